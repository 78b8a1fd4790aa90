package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr      string `yaml:"addr" json:"addr" default:"localhost:6379" validate:"required,hostname_port"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db" default:"0" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" default:"chatflow" validate:"required"`
	// TTL bounds how long an abandoned buffer survives.
	TTL time.Duration `yaml:"ttl" json:"ttl" default:"24h" validate:"gte=1m"`
}

// PendingBuffer keeps debounced messages in Redis lists so they survive a
// restart. Each (chat, session) has a list; an index set records which lists
// are non-empty.
type PendingBuffer struct {
	Config Config
	client *goredis.Client
}

var (
	_ runtime.PendingBuffer = (*PendingBuffer)(nil)
	_ runtime.Initializer   = (*PendingBuffer)(nil)
	_ runtime.Shutdowner    = (*PendingBuffer)(nil)
)

func New(cfg Config) *PendingBuffer {
	return &PendingBuffer{Config: cfg}
}

func (b *PendingBuffer) Initialize(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     b.Config.Addr,
		Password: b.Config.Password,
		DB:       b.Config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis: ping %s: %w", b.Config.Addr, err)
	}
	b.client = client
	return nil
}

func (b *PendingBuffer) Shutdown(context.Context) error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *PendingBuffer) listKey(key runtime.SessionKey) string {
	return b.Config.KeyPrefix + ":pending:" + key.ChatID + ":" + key.SessionID
}

func (b *PendingBuffer) indexKey() string {
	return b.Config.KeyPrefix + ":pending:idx"
}

func (b *PendingBuffer) Append(ctx context.Context, key runtime.SessionKey, msg runtime.PendingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	member, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode session key: %w", err)
	}

	list := b.listKey(key)
	_, err = b.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, list, data)
		p.Expire(ctx, list, b.Config.TTL)
		p.SAdd(ctx, b.indexKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append pending message for %s: %w", key, err)
	}
	return nil
}

// trimScript drops the oldest ARGV[1] entries and unindexes the list once it
// is empty, in one step so a concurrent Append cannot be left unindexed.
var trimScript = goredis.NewScript(`
redis.call("LTRIM", KEYS[1], ARGV[1], -1)
local remaining = redis.call("LLEN", KEYS[1])
if remaining == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return remaining
`)

// Trim removes the n oldest messages. Messages appended after the batch was
// loaded are kept.
func (b *PendingBuffer) Trim(ctx context.Context, key runtime.SessionKey, n int) error {
	if n <= 0 {
		return nil
	}
	member, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode session key: %w", err)
	}
	keys := []string{b.listKey(key), b.indexKey()}
	if err := trimScript.Run(ctx, b.client, keys, n, string(member)).Err(); err != nil {
		return fmt.Errorf("trim pending messages for %s: %w", key, err)
	}
	return nil
}

func (b *PendingBuffer) Keys(ctx context.Context) ([]runtime.SessionKey, error) {
	members, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending buffers: %w", err)
	}
	keys := make([]runtime.SessionKey, 0, len(members))
	for _, m := range members {
		var key runtime.SessionKey
		if err := json.Unmarshal([]byte(m), &key); err != nil {
			return nil, fmt.Errorf("decode session key %q: %w", m, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *PendingBuffer) Load(ctx context.Context, key runtime.SessionKey) ([]runtime.PendingMessage, error) {
	raw, err := b.client.LRange(ctx, b.listKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending messages for %s: %w", key, err)
	}
	msgs := make([]runtime.PendingMessage, 0, len(raw))
	for _, r := range raw {
		var msg runtime.PendingMessage
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			return nil, fmt.Errorf("decode pending message for %s: %w", key, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
