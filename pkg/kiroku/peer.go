package kiroku

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerKind identifies one member of the closed peer union.
type PeerKind string

const (
	// PeerKindUser is a one-to-one conversation with a user.
	PeerKindUser PeerKind = "user"
	// PeerKindChat is a legacy basic group.
	PeerKindChat PeerKind = "chat"
	// PeerKindChannel is a broadcast channel or supergroup.
	PeerKindChannel PeerKind = "channel"
)

// channelMarkOffset is added to channel identifiers in the marked (bot API) form.
const channelMarkOffset = 1_000_000_000_000

// Peer identifies a conversation. The zero value means unknown.
//
// Peer is comparable and safe to use as a map key.
type Peer struct {
	Kind PeerKind
	ID   int64
}

// UserPeer returns the user peer for id.
func UserPeer(id int64) Peer {
	return Peer{Kind: PeerKindUser, ID: id}
}

// ChatPeer returns the basic group peer for id.
func ChatPeer(id int64) Peer {
	return Peer{Kind: PeerKindChat, ID: id}
}

// ChannelPeer returns the channel peer for id.
func ChannelPeer(id int64) Peer {
	return Peer{Kind: PeerKindChannel, ID: id}
}

// IsZero reports whether the peer is unknown.
func (p Peer) IsZero() bool {
	return p.Kind == "" && p.ID == 0
}

// Validate checks that the peer kind is known and the id is positive.
func (p Peer) Validate() error {
	switch p.Kind {
	case PeerKindUser, PeerKindChat, PeerKindChannel:
	default:
		return fmt.Errorf("invalid peer kind %q", p.Kind)
	}
	if p.ID <= 0 {
		return fmt.Errorf("invalid %s peer id %d", p.Kind, p.ID)
	}

	return nil
}

// Key is the normalized form shared by read positions and archive membership.
func (p Peer) Key() string {
	if p.IsZero() {
		return ""
	}

	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

// Label renders the peer for human-facing reports.
func (p Peer) Label() string {
	if p.IsZero() {
		return "unknown"
	}

	return string(p.Kind) + "-" + strconv.FormatInt(p.ID, 10)
}

// String implements fmt.Stringer.
func (p Peer) String() string {
	return p.Label()
}

// MarkedID returns the signed identifier used by bot-style configuration:
// users stay positive, chats are negated and channels are -100 prefixed.
func (p Peer) MarkedID() int64 {
	switch p.Kind {
	case PeerKindChat:
		return -p.ID
	case PeerKindChannel:
		return -(channelMarkOffset + p.ID)
	default:
		return p.ID
	}
}

// ParsePeerKey parses the output of Peer.Key.
func ParsePeerKey(key string) (Peer, error) {
	kind, rawID, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return Peer{}, fmt.Errorf("parse peer key %q: missing separator", key)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Peer{}, fmt.Errorf("parse peer key %q: %w", key, err)
	}

	peer := Peer{Kind: PeerKind(kind), ID: id}
	if err := peer.Validate(); err != nil {
		return Peer{}, fmt.Errorf("parse peer key %q: %w", key, err)
	}

	return peer, nil
}

// PeerFromMarkedID converts a signed marked identifier into a peer.
func PeerFromMarkedID(marked int64) (Peer, error) {
	switch {
	case marked > 0:
		return UserPeer(marked), nil
	case marked < -channelMarkOffset:
		return ChannelPeer(-marked - channelMarkOffset), nil
	case marked < 0:
		return ChatPeer(-marked), nil
	default:
		return Peer{}, fmt.Errorf("peer from marked id: zero id")
	}
}
