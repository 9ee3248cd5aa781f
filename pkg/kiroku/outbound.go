package kiroku

import (
	"context"
	"fmt"
)

// SinkDispatcher sends neutral outbound operations to one sink adapter.
//
// Implementations should enforce platform-specific constraints while preserving
// these protocol-level request semantics.
type SinkDispatcher interface {
	// SendText publishes a text message to a destination conversation.
	SendText(ctx context.Context, request SendTextRequest) (*OutboundMessage, error)
	// SendMedia uploads raw bytes and publishes them as one media message.
	SendMedia(ctx context.Context, request SendMediaRequest) (*OutboundMessage, error)
}

// EventSink identifies one outbound-capable driver instance.
type EventSink struct {
	Platform Platform
	ID       string
}

// OutboundTarget identifies where an outbound operation should be delivered.
type OutboundTarget struct {
	// Peer identifies the destination conversation. The zero peer selects the
	// account's own saved-messages conversation.
	Peer Peer
	// Sink optionally overrides runtime-configured sink routing for this operation.
	Sink *EventSink
}

// SavedMessages returns a target addressing the account's own saved messages.
func SavedMessages() OutboundTarget {
	return OutboundTarget{}
}

// Validate checks target identity fields used for outbound routing.
func (t OutboundTarget) Validate() error {
	if !t.Peer.IsZero() {
		if err := t.Peer.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOutboundRequest, err)
		}
	}
	if t.Sink != nil && t.Sink.Platform == "" && t.Sink.ID == "" {
		return fmt.Errorf("%w: missing sink identity", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundMessage identifies a message successfully emitted by the dispatcher.
type OutboundMessage struct {
	// ID is the destination-platform message identifier.
	ID int
	// Target is the destination where this message was delivered.
	Target OutboundTarget
}

// SendTextRequest describes a new outbound text message.
type SendTextRequest struct {
	Target OutboundTarget
	Text   string
	// DisableLinkPreview disables link previews when supported by the platform.
	DisableLinkPreview bool
}

// Validate checks the request envelope before dispatch.
func (r SendTextRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send text target: %w", err)
	}
	if r.Text == "" {
		return fmt.Errorf("%w: missing message text", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundMediaKind selects how uploaded bytes are presented.
type OutboundMediaKind string

const (
	// OutboundMediaPhoto sends a compressed photo.
	OutboundMediaPhoto OutboundMediaKind = "photo"
	// OutboundMediaVoice sends a voice note.
	OutboundMediaVoice OutboundMediaKind = "voice"
	// OutboundMediaVideoNote sends a round video message. Captions are not supported.
	OutboundMediaVideoNote OutboundMediaKind = "video_note"
	// OutboundMediaDocument sends a generic file.
	OutboundMediaDocument OutboundMediaKind = "document"
)

// SendMediaRequest describes one media upload.
type SendMediaRequest struct {
	Target   OutboundTarget
	Kind     OutboundMediaKind
	Data     []byte
	MIMEType string
	FileName string
	Caption  string
}

// Validate checks the request envelope before dispatch.
func (r SendMediaRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send media target: %w", err)
	}
	switch r.Kind {
	case OutboundMediaPhoto, OutboundMediaVoice, OutboundMediaDocument:
	case OutboundMediaVideoNote:
		if r.Caption != "" {
			return fmt.Errorf("%w: video notes do not carry captions", ErrInvalidOutboundRequest)
		}
	default:
		return fmt.Errorf("%w: unsupported media kind %q", ErrInvalidOutboundRequest, r.Kind)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: missing media data", ErrInvalidOutboundRequest)
	}
	if r.FileName == "" {
		return fmt.Errorf("%w: missing media file name", ErrInvalidOutboundRequest)
	}

	return nil
}
