package alertsink

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// redisEnvelope is the JSON payload published on the alert channel, so an
// external operations dashboard can subscribe without touching Postgres.
type redisEnvelope struct {
	Institution string `json:"institution"`
	Status      Status `json:"status"`
	AlertID     uint64 `json:"alert_id,omitempty"`
	Cursor      string `json:"cursor"`
	RowCount    int    `json:"row_count"`
}

// RedisSink publishes a JSON envelope for every notification on a
// pub/sub channel. It never gates delivery on subscriber presence
// (Publish on an empty channel is a no-op, not an error) so it is safe to
// leave enabled with no consumer attached.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisSink(addr, channel string) *RedisSink {
	return &RedisSink{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (s *RedisSink) Notify(ctx context.Context, n Notification) error {
	env := redisEnvelope{
		Institution: n.Institution,
		Status:      n.Status,
		AlertID:     n.AlertID,
		Cursor:      n.Cursor.Format(timestampLayout),
		RowCount:    n.RowCount,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, b).Err()
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
