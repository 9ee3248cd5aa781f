package telegram

import (
	"context"
	"fmt"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

type usersAPI interface {
	UsersGetUsers(ctx context.Context, id []tg.InputUserClass) ([]tg.UserClass, error)
}

// Directory implements kiroku.SenderDirectory from entities seen in updates,
// asking Telegram only for users that were never seen.
type Directory struct {
	api     usersAPI
	peers   *PeerCache
	timeout time.Duration
}

// NewDirectory creates a sender directory backed by the peer cache.
func NewDirectory(api usersAPI, peers *PeerCache, timeout time.Duration) (*Directory, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram directory: nil api")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram directory: nil peer cache")
	}
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}

	return &Directory{api: api, peers: peers, timeout: timeout}, nil
}

// DisplayName returns "@username", "First Last" or "User <id>".
func (d *Directory) DisplayName(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("display name %d: %w", userID, kiroku.ErrPeerNotFound)
	}
	if name, ok := d.peers.DisplayName(userID); ok {
		return name, nil
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	users, err := d.api.UsersGetUsers(rpcCtx, []tg.InputUserClass{d.peers.ResolveUser(userID)})
	if err != nil {
		return "", fmt.Errorf("display name %d: get users: %w", userID, err)
	}

	found := indexGotdUsers(users)
	d.peers.RememberEntities(found, nil)
	user, ok := found[userID]
	if !ok {
		return "", fmt.Errorf("display name %d: %w", userID, kiroku.ErrPeerNotFound)
	}

	return userDisplayName(user), nil
}
