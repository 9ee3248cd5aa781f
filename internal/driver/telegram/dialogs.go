package telegram

import (
	"context"
	"fmt"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

const (
	archiveFolderID  = 1
	dialogsPageLimit = 100
	dialogsMaxPages  = 50
)

type dialogsAPI interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// Dialogs lists conversations through messages.getDialogs.
//
// Every page also feeds the peer cache, so listing dialogs warms access hashes
// needed by outbound dispatch.
type Dialogs struct {
	api     dialogsAPI
	peers   *PeerCache
	timeout time.Duration
}

// NewDialogs creates a dialog lister.
func NewDialogs(api dialogsAPI, peers *PeerCache, timeout time.Duration) (*Dialogs, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram dialogs: nil api")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram dialogs: nil peer cache")
	}
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}

	return &Dialogs{api: api, peers: peers, timeout: timeout}, nil
}

// ListArchivedPeers returns the peers of every dialog in the archive folder.
func (d *Dialogs) ListArchivedPeers(ctx context.Context) ([]kiroku.Peer, error) {
	peers, err := d.list(ctx, archiveFolderID)
	if err != nil {
		return nil, fmt.Errorf("list archived peers: %w", err)
	}

	return peers, nil
}

// WarmUp walks the main dialog list so configured targets resolve before the
// first report is sent.
func (d *Dialogs) WarmUp(ctx context.Context) (int, error) {
	peers, err := d.list(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("warm up dialogs: %w", err)
	}

	return len(peers), nil
}

func (d *Dialogs) list(ctx context.Context, folderID int) ([]kiroku.Peer, error) {
	var (
		peers      []kiroku.Peer
		seen       = make(map[kiroku.Peer]struct{})
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for page := 0; page < dialogsMaxPages; page++ {
		request := &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogsPageLimit,
		}
		if folderID != 0 {
			request.SetFolderID(folderID)
		}

		response, err := d.fetchPage(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		dialogs, messages, users, chats, complete := unpackDialogs(response)
		chatsByPeer := indexGotdChats(chats)
		d.peers.RememberEntities(indexGotdUsers(users), chatsByPeer)

		var last *tg.Dialog
		for _, raw := range dialogs {
			dialog, ok := raw.(*tg.Dialog)
			if !ok {
				continue
			}
			peer := peerFromGotd(dialog.Peer)
			if peer.IsZero() {
				continue
			}
			if _, exists := seen[peer]; !exists {
				seen[peer] = struct{}{}
				peers = append(peers, peer)
			}
			last = dialog
		}

		if complete || len(dialogs) < dialogsPageLimit || last == nil {
			return peers, nil
		}

		lastPeer := peerFromGotd(last.Peer)
		input, err := d.peers.Resolve(lastPeer)
		if err != nil {
			return nil, fmt.Errorf("page %d offset peer %s: %w", page, lastPeer, err)
		}
		offsetPeer = input
		offsetID = last.TopMessage
		offsetDate = topMessageDate(messages, last)
	}

	return peers, nil
}

func (d *Dialogs) fetchPage(
	ctx context.Context,
	request *tg.MessagesGetDialogsRequest,
) (tg.MessagesDialogsClass, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	response, err := d.api.MessagesGetDialogs(rpcCtx, request)
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}

	return response, nil
}

// unpackDialogs reports complete when the response holds the whole list.
func unpackDialogs(response tg.MessagesDialogsClass) (
	dialogs []tg.DialogClass,
	messages []tg.MessageClass,
	users []tg.UserClass,
	chats []tg.ChatClass,
	complete bool,
) {
	switch typed := response.(type) {
	case *tg.MessagesDialogs:
		return typed.Dialogs, typed.Messages, typed.Users, typed.Chats, true
	case *tg.MessagesDialogsSlice:
		return typed.Dialogs, typed.Messages, typed.Users, typed.Chats, false
	default:
		return nil, nil, nil, nil, true
	}
}

func topMessageDate(messages []tg.MessageClass, dialog *tg.Dialog) int {
	target := peerFromGotd(dialog.Peer)
	for _, raw := range messages {
		switch message := raw.(type) {
		case *tg.Message:
			if message.ID == dialog.TopMessage && peerFromGotd(message.PeerID) == target {
				return message.Date
			}
		case *tg.MessageService:
			if message.ID == dialog.TopMessage && peerFromGotd(message.PeerID) == target {
				return message.Date
			}
		}
	}

	return 0
}
