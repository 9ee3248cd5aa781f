package telegram

import (
	"time"

	"kiroku/pkg/kiroku"
)

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeMessage identifies new message updates.
	UpdateTypeMessage UpdateType = "message"
	// UpdateTypeEdit identifies edited message updates.
	UpdateTypeEdit UpdateType = "edit"
	// UpdateTypeDelete identifies deleted message updates.
	UpdateTypeDelete UpdateType = "delete"
	// UpdateTypeRead identifies inbox read marker updates.
	UpdateTypeRead UpdateType = "read"
)

// Update is the Telegram adapter's internal DTO before neutral decoding.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	// Peer is zero for deletes outside channels.
	Peer     kiroku.Peer
	Message  *MessagePayload
	Delete   *DeletePayload
	Read     *ReadPayload
	Metadata map[string]string
}

// MessagePayload represents a Telegram message projection shared by new and
// edited messages.
type MessagePayload struct {
	ID       int
	Text     string
	SentAt   time.Time
	Outgoing bool
	SenderID int64
	Media    *MediaPayload
}

// MediaPayload represents Telegram media metadata.
type MediaPayload struct {
	Type       kiroku.AttachmentType
	MIMEType   string
	FileName   string
	Voice      bool
	Audio      bool
	Video      bool
	RoundVideo bool
	Sticker    bool
	SizeBytes  int64
}

// DeletePayload lists removed message identifiers.
type DeletePayload struct {
	MessageIDs []int
}

// ReadPayload carries the new inbox read marker.
type ReadPayload struct {
	MaxID int
}
