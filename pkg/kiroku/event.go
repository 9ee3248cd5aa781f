package kiroku

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when a new message is posted.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageEdited is emitted when an existing message body is replaced.
	EventKindMessageEdited EventKind = "message.edited"
	// EventKindMessageRetracted is emitted when one or more messages are deleted.
	EventKindMessageRetracted EventKind = "message.retracted"
	// EventKindReadAdvanced is emitted when the inbox read marker of a peer moves.
	EventKindReadAdvanced EventKind = "read.advanced"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformTelegram is Telegram.
	PlatformTelegram Platform = "telegram"
)

// EventSource identifies the concrete driver instance that produced an event.
type EventSource struct {
	// Platform identifies the upstream platform.
	Platform Platform
	// ID is the configured driver instance name.
	ID string
}

// Event is the neutral protocol envelope that drivers publish and modules consume.
//
// Message, Retraction and Read are optional payload branches selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Source identifies the driver instance that produced the event.
	Source EventSource
	// Peer identifies the conversation. It is zero for retractions outside channels,
	// where the platform does not say which conversation lost the message.
	Peer Peer
	// Message carries the full message body for created and edited events.
	Message *Message
	// Retraction carries deleted message identifiers.
	Retraction *Retraction
	// Read carries the new inbox read marker.
	Read *ReadMark
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Message holds neutral message content.
type Message struct {
	// ID is the message identifier, unique per peer for channels and per account otherwise.
	ID int
	// Text is the message body or media caption.
	Text string
	// SentAt is the original send time.
	SentAt time.Time
	// Outgoing reports whether the account owner authored the message.
	Outgoing bool
	// SenderID is the authoring user, or zero when the author is not a user.
	SenderID int64
	// Attachment describes attached media when present.
	Attachment *Attachment
}

// AttachmentType identifies the coarse class of attached media.
type AttachmentType string

const (
	// AttachmentTypePhoto identifies a compressed photo.
	AttachmentTypePhoto AttachmentType = "photo"
	// AttachmentTypeDocument identifies any file-backed media, including voice and video.
	AttachmentTypeDocument AttachmentType = "document"
	// AttachmentTypeContact identifies a shared contact card.
	AttachmentTypeContact AttachmentType = "contact"
	// AttachmentTypeLocation identifies a geo point or venue.
	AttachmentTypeLocation AttachmentType = "location"
	// AttachmentTypePoll identifies a poll.
	AttachmentTypePoll AttachmentType = "poll"
	// AttachmentTypeOther identifies media without a dedicated class.
	AttachmentTypeOther AttachmentType = "other"
)

// Attachment carries the platform facts needed to classify and describe media.
type Attachment struct {
	// Type is the coarse attachment class.
	Type AttachmentType
	// MIMEType is the document content type when known.
	MIMEType string
	// FileName is the document filename attribute when present.
	FileName string
	// Voice reports an audio attribute flagged as a voice recording.
	Voice bool
	// Audio reports any audio attribute.
	Audio bool
	// Video reports any video attribute.
	Video bool
	// RoundVideo reports a video attribute flagged as a round video message.
	RoundVideo bool
	// Sticker reports a sticker attribute.
	Sticker bool
	// SizeBytes is the document size when known.
	SizeBytes int64
}

// Retraction lists message identifiers removed by one delete event.
type Retraction struct {
	MessageIDs []int
}

// ReadMark is the highest inbox message identifier acknowledged as read.
type ReadMark struct {
	MaxID int
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if !e.Peer.IsZero() {
		if err := e.Peer.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each event kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case EventKindMessageCreated, EventKindMessageEdited:
		if e.Message == nil {
			return fmt.Errorf("%w: %s requires message payload", ErrInvalidEvent, e.Kind)
		}
		if e.Peer.IsZero() {
			return fmt.Errorf("%w: %s requires peer", ErrInvalidEvent, e.Kind)
		}
	case EventKindMessageRetracted:
		if e.Retraction == nil || len(e.Retraction.MessageIDs) == 0 {
			return fmt.Errorf("%w: retraction requires message ids", ErrInvalidEvent)
		}
		if !e.Peer.IsZero() && e.Peer.Kind != PeerKindChannel {
			return fmt.Errorf("%w: retraction peer must be a channel", ErrInvalidEvent)
		}
	case EventKindReadAdvanced:
		if e.Read == nil {
			return fmt.Errorf("%w: read.advanced requires read payload", ErrInvalidEvent)
		}
		if e.Peer.IsZero() {
			return fmt.Errorf("%w: read.advanced requires peer", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
