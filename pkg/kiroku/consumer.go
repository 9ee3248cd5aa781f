package kiroku

import (
	"context"
	"fmt"
)

// MessageConsumer receives the four message-stream notifications as typed calls.
//
// Implementations do not need to know which transport produced the stream.
type MessageConsumer interface {
	// OnNewMessage observes a freshly posted message.
	OnNewMessage(ctx context.Context, peer Peer, message Message) error
	// OnEdit observes the full replacement body of an edited message.
	OnEdit(ctx context.Context, peer Peer, message Message) error
	// OnDelete observes deleted message identifiers. Peer is zero outside channels.
	OnDelete(ctx context.Context, peer Peer, messageIDs []int) error
	// OnReadPosition observes the new inbox read marker of peer.
	OnReadPosition(ctx context.Context, peer Peer, maxID int) error
}

// Consume validates event and routes it to the matching consumer method.
func Consume(ctx context.Context, consumer MessageConsumer, event *Event) error {
	if consumer == nil {
		return fmt.Errorf("consume event: nil consumer")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("consume event: %w", err)
	}

	switch event.Kind {
	case EventKindMessageCreated:
		return consumer.OnNewMessage(ctx, event.Peer, *event.Message)
	case EventKindMessageEdited:
		return consumer.OnEdit(ctx, event.Peer, *event.Message)
	case EventKindMessageRetracted:
		ids := append([]int(nil), event.Retraction.MessageIDs...)
		return consumer.OnDelete(ctx, event.Peer, ids)
	case EventKindReadAdvanced:
		return consumer.OnReadPosition(ctx, event.Peer, event.Read.MaxID)
	default:
		return fmt.Errorf("consume event: %w: unsupported kind %q", ErrInvalidEvent, event.Kind)
	}
}
