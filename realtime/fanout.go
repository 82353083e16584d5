package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const resubscribeDelay = time.Second

// RedisFanout relays room frames between instances over a redis pub/sub
// channel. Frames published by this instance are ignored on receipt.
type RedisFanout struct {
	rc       *redis.Client
	channel  string
	instance string
	log      *log.Logger
}

// NewRedisFanout returns a relay publishing on channel.
func NewRedisFanout(rc *redis.Client, channel string, logger *log.Logger) *RedisFanout {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisFanout{rc: rc, channel: channel, instance: uuid.NewString(), log: logger}
}

// Publish sends msg to the other instances.
func (f *RedisFanout) Publish(ctx context.Context, msg RoomMessage) error {
	msg.Origin = f.instance
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode room message: %w", err)
	}
	if err := f.rc.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish room message: %w", err)
	}
	return nil
}

// Run subscribes to the channel and hands foreign frames to deliver until
// ctx is cancelled. A closed subscription is re-established after a pause.
func (f *RedisFanout) Run(ctx context.Context, deliver func(workspaceID, exclude string, frame []byte)) {
	for {
		sub := f.rc.Subscribe(ctx, f.channel)
		f.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.log.Error("room channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (f *RedisFanout) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(string, string, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg RoomMessage
			if err := sonic.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.log.WithError(err).Error("unable to parse room message")
				continue
			}
			if msg.Origin == f.instance || msg.WorkspaceID == "" {
				continue
			}
			deliver(msg.WorkspaceID, msg.Exclude, msg.Frame)
		}
	}
}
