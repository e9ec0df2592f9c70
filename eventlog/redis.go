package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REDIS TRANSPORT - Pub/sub channel per stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// Alternative to the file transport for multi-process deployments. Weaker
// guarantee than the file log: ordered per publisher, at-most-once, and not
// replayable: a record published while the subscriber was absent is lost.
// Consumers must not assume more than that.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RedisTopic is both the producer and consumer side of a channel-backed
// stream. A process normally uses only one side per topic.
type RedisTopic struct {
	cli     *redis.Client
	channel string
	sub     *redis.PubSub
	msgCh   <-chan *redis.Message
}

// NewRedisTopic connects to redis and prepares the channel for the given
// schema. The connection is verified up front: a dead broker is a startup
// failure, not something to discover mid-session.
func NewRedisTopic(addr, pass string, schema Schema) (*RedisTopic, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: pass})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("eventlog: redis ping %s: %w", addr, err)
	}
	return &RedisTopic{cli: cli, channel: "stream:" + schema.Name}, nil
}

// Append publishes one record to the channel. Best-effort at-most-once:
// listeners absent at publish time never see the record.
func (t *RedisTopic) Append(rec Record) error {
	payload, err := json.Marshal(rec.Fields())
	if err != nil {
		return fmt.Errorf("eventlog: encode record: %w", err)
	}
	if err := t.cli.Publish(context.Background(), t.channel, payload).Err(); err != nil {
		return fmt.Errorf("eventlog: publish %s: %w", t.channel, err)
	}
	return nil
}

// ConsumeNew drains every message buffered since the previous call. The
// subscription is established lazily on first use.
func (t *RedisTopic) ConsumeNew() ([][]string, error) {
	if t.sub == nil {
		t.sub = t.cli.Subscribe(context.Background(), t.channel)
		// Force the SUBSCRIBE round trip so we fail loudly here rather
		// than silently dropping everything.
		if _, err := t.sub.Receive(context.Background()); err != nil {
			t.sub = nil
			return nil, fmt.Errorf("eventlog: subscribe %s: %w", t.channel, err)
		}
		t.msgCh = t.sub.Channel()
	}

	var rows [][]string
	for {
		select {
		case msg, ok := <-t.msgCh:
			if !ok {
				return rows, nil
			}
			var fields []string
			if err := json.Unmarshal([]byte(msg.Payload), &fields); err != nil {
				log.Debug().Str("channel", t.channel).Str("payload", msg.Payload).Msg("Skipping malformed message")
				continue
			}
			if len(fields) == 0 || fields[0] == "ts" {
				continue
			}
			rows = append(rows, fields)
		default:
			return rows, nil
		}
	}
}

// Close tears down the subscription and connection.
func (t *RedisTopic) Close() error {
	if t.sub != nil {
		_ = t.sub.Close()
	}
	return t.cli.Close()
}
