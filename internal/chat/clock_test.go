package chat

import (
	"sync"
	"testing"
	"time"
)

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(func() time.Time { return fixed })
	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatalf("%v not after %v", next, prev)
		}
		prev = next
	}
	if prev.Nanosecond()%1000 != 0 {
		t.Fatal("timestamps must be microsecond aligned")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := map[string]int{}
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.Lock(key)
				mu.Lock()
				v := counter[key]
				mu.Unlock()
				time.Sleep(time.Microsecond)
				mu.Lock()
				counter[key] = v + 1
				mu.Unlock()
				unlock()
			}(key)
		}
	}
	wg.Wait()
	if counter["a"] != 50 || counter["b"] != 50 {
		t.Fatalf("lost updates: %v", counter)
	}
	if len(k.locks) != 0 {
		t.Fatalf("entries leaked: %d", len(k.locks))
	}
}
