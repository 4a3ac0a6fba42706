package ws

import (
	"context"
	"encoding/json"

	"github.com/soulstream/backend/internal/logger"
	"github.com/soulstream/backend/internal/transfer"
)

// Feed bridges the transfer queue's progress channel to the hub.
type Feed struct {
	hub   *Hub
	queue *transfer.Queue
}

// NewFeed creates the bridge.
func NewFeed(hub *Hub, queue *transfer.Queue) *Feed {
	return &Feed{hub: hub, queue: queue}
}

// Run subscribes to progress events and broadcasts them until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	pubsub := f.queue.SubscribeProgress(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var job transfer.Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				logger.Debug(ctx, "dropping malformed progress event", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			f.hub.BroadcastJob(&job)
		}
	}
}
