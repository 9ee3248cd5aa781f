package telegram

import (
	"context"
	"fmt"
	"slices"
	"time"

	"kiroku/pkg/kiroku"
)

// Decoder converts Telegram update DTOs into neutral kiroku events.
type Decoder interface {
	// Decode maps one adapter update into a validated neutral event envelope.
	Decode(ctx context.Context, update Update) (*kiroku.Event, error)
}

// DefaultDecoder provides default Telegram-to-kiroku mappings.
type DefaultDecoder struct{}

// NewDefaultDecoder creates a default decoder.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{}
}

// Decode converts a Telegram update into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*kiroku.Event, error) {
	event := newBaseEvent(update)

	switch update.Type {
	case UpdateTypeMessage, UpdateTypeEdit:
		event.Kind = kiroku.EventKindMessageCreated
		if update.Type == UpdateTypeEdit {
			event.Kind = kiroku.EventKindMessageEdited
		}
		message, err := decodeMessage(update.Message)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", update.Type, err)
		}
		event.Message = message
	case UpdateTypeDelete:
		event.Kind = kiroku.EventKindMessageRetracted
		if update.Delete == nil {
			return nil, fmt.Errorf("decode delete: missing delete payload")
		}
		event.Retraction = &kiroku.Retraction{MessageIDs: slices.Clone(update.Delete.MessageIDs)}
	case UpdateTypeRead:
		event.Kind = kiroku.EventKindReadAdvanced
		if update.Read == nil {
			return nil, fmt.Errorf("decode read: missing read payload")
		}
		event.Read = &kiroku.ReadMark{MaxID: update.Read.MaxID}
	default:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

// newBaseEvent builds the shared envelope fields used by all update mappings.
func newBaseEvent(update Update) *kiroku.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &kiroku.Event{
		ID:         update.ID,
		OccurredAt: occurredAt,
		Source:     kiroku.EventSource{Platform: DriverPlatform},
		Peer:       update.Peer,
		Metadata:   update.Metadata,
	}
}

func decodeMessage(payload *MessagePayload) (*kiroku.Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("missing message payload")
	}

	return &kiroku.Message{
		ID:         payload.ID,
		Text:       payload.Text,
		SentAt:     payload.SentAt,
		Outgoing:   payload.Outgoing,
		SenderID:   payload.SenderID,
		Attachment: decodeAttachment(payload.Media),
	}, nil
}

func decodeAttachment(media *MediaPayload) *kiroku.Attachment {
	if media == nil {
		return nil
	}

	return &kiroku.Attachment{
		Type:       media.Type,
		MIMEType:   media.MIMEType,
		FileName:   media.FileName,
		Voice:      media.Voice,
		Audio:      media.Audio,
		Video:      media.Video,
		RoundVideo: media.RoundVideo,
		Sticker:    media.Sticker,
		SizeBytes:  media.SizeBytes,
	}
}
