package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convo/internal/model"
)

// Typing flags live in a per-conversation hash (field = user id) whose members
// expire individually by their stored timestamp; the hash itself gets a TTL so
// an idle conversation leaves nothing behind.
const (
	DefaultTypingTTL  = 10 * time.Second
	DefaultRateWindow = 10 * time.Second
	DefaultRateMax    = 50
	lastActiveTTL     = 30 * 24 * time.Hour
)

type Options struct {
	TypingTTL  time.Duration
	RateWindow time.Duration
	RateMax    int
}

type Client struct {
	cli  *redis.Client
	opts Options
}

func New(ctx context.Context, url string, opts Options) (*Client, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(ro)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.RateMax <= 0 {
		opts.RateMax = DefaultRateMax
	}
	return &Client{cli: cli, opts: opts}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Raw exposes the underlying connection for stores sharing it.
func (c *Client) Raw() *redis.Client { return c.cli }

func typingKey(conversationID string) string { return "typing:" + conversationID }

// SetTyping stores the flag as JSON in typing:{conversation}; a stop removes the field.
func (c *Client) SetTyping(ctx context.Context, t model.Typing) error {
	key := typingKey(t.ConversationID)
	if !t.IsTyping {
		return c.cli.HDel(ctx, key, t.UserID).Err()
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis SetTyping marshal: %w", err)
	}
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, t.UserID, raw)
	pipe.Expire(ctx, key, c.opts.TypingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SetTyping: %w", err)
	}
	return nil
}

// TypingUsers returns flags younger than the typing TTL.
func (c *Client) TypingUsers(ctx context.Context, conversationID string) ([]model.Typing, error) {
	vals, err := c.cli.HGetAll(ctx, typingKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis TypingUsers: %w", err)
	}
	cut := time.Now().Add(-c.opts.TypingTTL)
	out := make([]model.Typing, 0, len(vals))
	for _, raw := range vals {
		var t model.Typing
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.UpdatedAt.Before(cut) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (c *Client) SetLastActive(ctx context.Context, userID string, at time.Time) error {
	return c.cli.Set(ctx, "last_active:"+userID, at.UTC().Format(time.RFC3339Nano), lastActiveTTL).Err()
}

func (c *Client) LastActive(ctx context.Context, userID string) (time.Time, error) {
	val, err := c.cli.Get(ctx, "last_active:"+userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// AllowCommand is a fixed window counter on cmd_limit:{user}. The window
// starts with the first INCR; a counter found without a TTL gets one, so a
// failed EXPIRE cannot pin the counter forever.
func (c *Client) AllowCommand(ctx context.Context, userID string) (bool, error) {
	key := "cmd_limit:" + userID
	pipe := c.cli.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis AllowCommand: %w", err)
	}
	if ttl.Val() < 0 {
		if err := c.cli.Expire(ctx, key, c.opts.RateWindow).Err(); err != nil {
			return false, fmt.Errorf("redis AllowCommand expire: %w", err)
		}
	}
	return incr.Val() <= int64(c.opts.RateMax), nil
}

// FlushDB clears the current database; used when resetting a dev environment.
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
