// Package backplane is the cross-process publish/subscribe channel used by
// the relay router and the revocation watcher. Delivery is eventually
// consistent fan-out; there are no transactions and no global ordering.
package backplane

import "context"

// Topics shared by every gateway process.
const (
	TopicRelay       = "homecloud:relay"
	TopicReplies     = "homecloud:replies"
	TopicRevocations = "homecloud:revocations"
)

type Message struct {
	Topic   string
	Payload []byte
}

type Subscription interface {
	// Messages yields published messages until the subscription closes.
	Messages() <-chan Message
	Close() error
}

type Backplane interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}
