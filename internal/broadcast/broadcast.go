// Package broadcast tells external subscribers that an event committed.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/metrics"
)

// Sink receives a Notice after each committed event. Notify is best effort:
// the event is already durable when it runs.
type Sink interface {
	Notify(ctx context.Context, n domain.Notice) error
}

// Nop discards notices.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notice) error { return nil }

// Multi fans a notice out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n domain.Notice) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is the subset of *redis.Client the Redis sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes each notice as JSON on <prefix>:agents and
// <prefix>:agents:<agentId>.
type Redis struct {
	Client Publisher
	Prefix string
}

// Message is the JSON published to subscribers.
type Message struct {
	Type string        `json:"type"`
	Seq  int64         `json:"seq"`
	Data domain.Notice `json:"data"`
}

func (r Redis) Channels(agentID string) []string {
	prefix := strings.TrimSuffix(r.Prefix, ":")
	if prefix == "" {
		prefix = "fleetwatch"
	}
	channels := []string{prefix + ":agents"}
	if agentID != "" {
		channels = append(channels, prefix+":agents:"+agentID)
	}
	return channels
}

func (r Redis) Notify(ctx context.Context, n domain.Notice) error {
	body, err := json.Marshal(Message{Type: "agent_update", Seq: n.Seq, Data: n})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	for _, ch := range r.Channels(n.SubjectID) {
		if err := r.Client.Publish(ctx, ch, body).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", ch, err)
		}
	}
	return nil
}

// NewRedisClient connects and pings a Redis server.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// Logged wraps a sink so failures are logged and counted, never returned.
type Logged struct {
	Name   string
	Sink   Sink
	Logger *slog.Logger
}

func (l Logged) Notify(ctx context.Context, n domain.Notice) error {
	if err := l.Sink.Notify(ctx, n); err != nil {
		metrics.BroadcastFailures.WithLabelValues(l.Name).Inc()
		logger := l.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("broadcast failed", "sink", l.Name, "seq", n.Seq, "agent", n.SubjectID, "err", err)
	}
	return nil
}
