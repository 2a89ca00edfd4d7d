package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestConnectDisconnectTransitions(t *testing.T) {
	r := NewRegistry()

	if !r.Connect("alice", "s1") {
		t.Fatal("first connection should report online transition")
	}
	if r.Connect("alice", "s2") {
		t.Fatal("second connection must not report a transition")
	}
	if r.Connect("alice", "s2") {
		t.Fatal("duplicate connect must be a no-op")
	}
	if got := r.ConnectionCount("alice"); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if r.Disconnect("alice", "s1") {
		t.Fatal("intermediate disconnect must not report offline")
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice should still be online with s2 open")
	}
	if !r.Disconnect("alice", "s2") {
		t.Fatal("last disconnect should report offline")
	}
	if r.IsOnline("alice") {
		t.Fatal("alice should be offline")
	}
	if r.Disconnect("alice", "s2") {
		t.Fatal("repeated disconnect must not report a second transition")
	}
}

func TestDisconnectUnknownConnection(t *testing.T) {
	r := NewRegistry()
	r.Connect("bob", "s1")
	if r.Disconnect("bob", "other") {
		t.Fatal("unknown connection must not flip presence")
	}
	if !r.IsOnline("bob") {
		t.Fatal("bob should still be online")
	}
}

func TestOnlineUserIDsSorted(t *testing.T) {
	r := NewRegistry()
	r.Connect("carol", "c1")
	r.Connect("alice", "a1")
	r.Connect("bob", "b1")
	r.Disconnect("bob", "b1")

	got := r.OnlineUserIDs()
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Fatalf("unexpected online set %v", got)
	}
}

func TestConcurrentTransitionsFireOnce(t *testing.T) {
	r := NewRegistry()
	const n = 64

	var mu sync.Mutex
	online, offline := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Connect("dave", fmt.Sprintf("s%d", i)) {
				mu.Lock()
				online++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Disconnect("dave", fmt.Sprintf("s%d", i)) {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if online != 1 || offline != 1 {
		t.Fatalf("expected exactly one transition each way, got online=%d offline=%d", online, offline)
	}
}
