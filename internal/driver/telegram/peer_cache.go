package telegram

import (
	"fmt"
	"strings"
	"sync"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

// PeerCache stores Telegram input peers and user profiles discovered from
// inbound updates and dialog listings.
//
// Outbound dispatch, media download and the sender directory use it to turn
// neutral peers back into access-hash carrying Telegram peers.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[kiroku.Peer]tg.InputPeerClass
	names map[int64]string
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		peers: make(map[kiroku.Peer]tg.InputPeerClass),
		names: make(map[int64]string),
	}
}

// RememberEntities ingests users and chats attached to one update batch or
// RPC response.
func (c *PeerCache) RememberEntities(users map[int64]*tg.User, chats map[kiroku.Peer]gotdChatInfo) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, user := range users {
		if user == nil {
			continue
		}
		if !user.Min {
			if peer := user.AsInputPeer(); peer != nil {
				c.peers[kiroku.UserPeer(userID)] = cloneInputPeer(peer)
			}
		}
		c.names[userID] = userDisplayName(user)
	}
	for peer, chat := range chats {
		if chat.inputPeer == nil || peer.IsZero() {
			continue
		}
		c.peers[peer] = cloneInputPeer(chat.inputPeer)
	}
}

// Remember stores one explicit peer mapping.
func (c *PeerCache) Remember(peer kiroku.Peer, input tg.InputPeerClass) {
	if c == nil || input == nil || peer.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer] = cloneInputPeer(input)
}

// Resolve returns the input peer for a neutral peer.
//
// Basic groups need no access hash and always resolve. Other kinds must have
// been seen before, otherwise ErrPeerNotFound is returned.
func (c *PeerCache) Resolve(peer kiroku.Peer) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	if err := peer.Validate(); err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}

	c.mu.RLock()
	input, ok := c.peers[peer]
	c.mu.RUnlock()
	if ok {
		return cloneInputPeer(input), nil
	}
	if peer.Kind == kiroku.PeerKindChat {
		return &tg.InputPeerChat{ChatID: peer.ID}, nil
	}

	return nil, fmt.Errorf("resolve peer %s: %w", peer, kiroku.ErrPeerNotFound)
}

// ResolveChannel returns the input channel for a channel peer.
func (c *PeerCache) ResolveChannel(peer kiroku.Peer) (tg.InputChannelClass, error) {
	if peer.Kind != kiroku.PeerKindChannel {
		return nil, fmt.Errorf("resolve channel %s: not a channel", peer)
	}
	input, err := c.Resolve(peer)
	if err != nil {
		return nil, err
	}
	channel, ok := input.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("resolve channel %s: unexpected input peer %T", peer, input)
	}

	return &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash}, nil
}

// ResolveUser returns the input user for a user id, falling back to a zero
// access hash when the user was never seen.
func (c *PeerCache) ResolveUser(userID int64) tg.InputUserClass {
	input, err := c.Resolve(kiroku.UserPeer(userID))
	if err == nil {
		if user, ok := input.(*tg.InputPeerUser); ok {
			return &tg.InputUser{UserID: user.UserID, AccessHash: user.AccessHash}
		}
	}

	return &tg.InputUser{UserID: userID}
}

// DisplayName returns a cached display name for userID.
func (c *PeerCache) DisplayName(userID int64) (string, bool) {
	if c == nil {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[userID]

	return name, ok
}

// Len returns the number of remembered peers.
func (c *PeerCache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.peers)
}

// userDisplayName renders "@username", then "First Last", then "User <id>".
func userDisplayName(user *tg.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		return name
	}

	return fmt.Sprintf("User %d", user.ID)
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChat:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChannel:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerSelf:
		copyPeer := *typed
		return &copyPeer
	default:
		return peer
	}
}
