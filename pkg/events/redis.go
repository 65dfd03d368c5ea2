// Package events publishes candidate lifecycle events to Redis so dashboards
// and waterfall tooling can watch coordination progress without touching the
// spec store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindClaimed    Kind = "claimed"
	KindPeerStatus Kind = "peer_status"
	KindPromoted   Kind = "promoted"
	KindTimeout    Kind = "timeout"
)

// Event is one candidate lifecycle transition.
type Event struct {
	Kind      Kind   `json:"kind"`
	Builder   string `json:"builder"`
	Candidate string `json:"candidate"`
	Status    string `json:"status,omitempty"`
	Peer      string `json:"peer,omitempty"`
	At        int64  `json:"at"`
}

const (
	streamKey = "lkgm:events"
	eventTTL  = 24 * time.Hour
)

// Publisher pushes events onto a capped Redis list and mirrors each builder's
// latest status per candidate under a keyed entry.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(redisURL string) (*Publisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Publisher{redis: client}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At == 0 {
		ev.At = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := p.redis.RPush(ctx, streamKey, data).Err(); err != nil {
		return err
	}
	// Keep the stream from growing without bound.
	if err := p.redis.LTrim(ctx, streamKey, -10000, -1).Err(); err != nil {
		return err
	}

	if ev.Status != "" {
		key := fmt.Sprintf("lkgm:candidate:%s:%s", ev.Candidate, statusOwner(ev))
		if err := p.redis.Set(ctx, key, ev.Status, eventTTL).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n most recent events, oldest first.
func (p *Publisher) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := p.redis.LRange(ctx, streamKey, -n, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *Publisher) Close() error {
	return p.redis.Close()
}

func statusOwner(ev Event) string {
	if ev.Peer != "" {
		return ev.Peer
	}
	return ev.Builder
}
