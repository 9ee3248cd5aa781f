package tracker

import (
	"bytes"
	"strconv"
	"time"

	"kiroku/pkg/kiroku"
)

// MediaKind classifies a downloaded media snapshot by how it is re-sent.
type MediaKind string

const (
	// MediaKindPhoto is a compressed photo.
	MediaKindPhoto MediaKind = "photo"
	// MediaKindVoiceNote is a recorded voice message.
	MediaKindVoiceNote MediaKind = "voiceNote"
	// MediaKindVideoNote is a round video message.
	MediaKindVideoNote MediaKind = "videoNote"
	// MediaKindDocument is any other file.
	MediaKindDocument MediaKind = "document"
)

// MediaSnapshot holds downloaded media bytes and their classification.
type MediaSnapshot struct {
	Data     []byte
	Kind     MediaKind
	MIMEType string
	FileName string
}

// Equal reports whether two snapshots carry the same media. Two missing
// snapshots are equal; one missing snapshot is not.
func (m *MediaSnapshot) Equal(other *MediaSnapshot) bool {
	if m == nil || other == nil {
		return m == nil && other == nil
	}

	return m.Kind == other.Kind &&
		m.MIMEType == other.MIMEType &&
		m.FileName == other.FileName &&
		bytes.Equal(m.Data, other.Data)
}

// Snapshot is the cached content of one observed message.
type Snapshot struct {
	MessageID  int
	Text       string
	SentAt     time.Time
	CachedAt   time.Time
	SenderID   int64
	SenderName string
	Peer       kiroku.Peer
	ChatLabel  string
	// MediaDescription is a short human tag such as "*photo*", empty without media.
	MediaDescription string
	Media            *MediaSnapshot
	// ChannelID is set only for channel and supergroup messages.
	ChannelID int64
}

// Key returns the cache key of the snapshot.
func (s Snapshot) Key() CacheKey {
	return CacheKey{ChannelID: s.ChannelID, MessageID: s.MessageID}
}

// readKey returns the read-position key that governs this snapshot.
func (s Snapshot) readKey() string {
	if s.ChannelID != 0 {
		return kiroku.ChannelPeer(s.ChannelID).Key()
	}

	return s.Peer.Key()
}

// CacheKey addresses one cached message. Channel message ids are only unique
// within their channel; every other message id is unique per account.
type CacheKey struct {
	ChannelID int64
	MessageID int
}

// KeyFor derives the cache key of messageID observed in peer.
func KeyFor(peer kiroku.Peer, messageID int) CacheKey {
	if peer.Kind == kiroku.PeerKindChannel {
		return CacheKey{ChannelID: peer.ID, MessageID: messageID}
	}

	return CacheKey{MessageID: messageID}
}

// String renders "ch:<channel>:<message>" or "msg:<message>".
func (k CacheKey) String() string {
	if k.ChannelID != 0 {
		return "ch:" + strconv.FormatInt(k.ChannelID, 10) + ":" + strconv.Itoa(k.MessageID)
	}

	return "msg:" + strconv.Itoa(k.MessageID)
}
