package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testClient connects to CONVO_TEST_REDIS_URL, skipping when it is unset.
func testClient(t *testing.T, opts Options) *Client {
	t.Helper()
	url := os.Getenv("CONVO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CONVO_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAllowCommandWindowAlwaysExpires(t *testing.T) {
	c := testClient(t, Options{RateWindow: time.Minute, RateMax: 2})
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	key := "cmd_limit:" + user
	t.Cleanup(func() { c.Raw().Del(context.Background(), key) })

	for i, want := range []bool{true, true, false} {
		ok, err := c.AllowCommand(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("call %d allowed=%v", i+1, ok)
		}
	}
	if ttl := c.Raw().TTL(ctx, key).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	// a counter that lost its TTL gets it back on the next command
	if err := c.Raw().Persist(ctx, key).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AllowCommand(ctx, user); err != nil {
		t.Fatal(err)
	}
	if ttl := c.Raw().TTL(ctx, key).Val(); ttl <= 0 {
		t.Fatalf("ttl after persist = %v", ttl)
	}
}

func TestAllowCommandReportsConnectionErrors(t *testing.T) {
	c := testClient(t, Options{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.AllowCommand(context.Background(), "u"); err == nil || ok {
		t.Fatalf("closed client: ok=%v err=%v", ok, err)
	}
}
