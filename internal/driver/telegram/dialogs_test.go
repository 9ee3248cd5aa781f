package telegram

import (
	"context"
	"errors"
	"testing"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

func TestDialogsListArchivedPeers(t *testing.T) {
	t.Parallel()

	channel := &tg.Channel{ID: 30, Title: "news"}
	channel.SetAccessHash(3030)
	user := &tg.User{ID: 7, Username: "eve"}
	user.SetAccessHash(77)

	api := &dialogsAPIStub{pages: []tg.MessagesDialogsClass{
		&tg.MessagesDialogs{
			Dialogs: []tg.DialogClass{
				&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 30}, TopMessage: 100},
				&tg.Dialog{Peer: &tg.PeerUser{UserID: 7}, TopMessage: 5},
				&tg.DialogFolder{},
			},
			Chats: []tg.ChatClass{channel},
			Users: []tg.UserClass{user},
		},
	}}
	peers := NewPeerCache()
	dialogs, err := NewDialogs(api, peers, 0)
	if err != nil {
		t.Fatalf("new dialogs failed: %v", err)
	}

	got, err := dialogs.ListArchivedPeers(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0] != kiroku.ChannelPeer(30) || got[1] != kiroku.UserPeer(7) {
		t.Fatalf("peers = %v", got)
	}

	if len(api.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(api.requests))
	}
	if folder, ok := api.requests[0].GetFolderID(); !ok || folder != archiveFolderID {
		t.Fatalf("folder = %d, %v; want archive folder", folder, ok)
	}
	if _, err := peers.ResolveChannel(kiroku.ChannelPeer(30)); err != nil {
		t.Fatalf("dialog entities must warm the peer cache: %v", err)
	}
}

func TestDialogsPaginates(t *testing.T) {
	t.Parallel()

	firstPage := &tg.MessagesDialogsSlice{Count: dialogsPageLimit + 1}
	for id := 1; id <= dialogsPageLimit; id++ {
		firstPage.Dialogs = append(firstPage.Dialogs, &tg.Dialog{Peer: &tg.PeerChat{ChatID: int64(id)}, TopMessage: id})
	}
	firstPage.Messages = []tg.MessageClass{
		&tg.Message{ID: dialogsPageLimit, PeerID: &tg.PeerChat{ChatID: dialogsPageLimit}, Date: 1_700_000_000},
	}
	secondPage := &tg.MessagesDialogsSlice{
		Count:   dialogsPageLimit + 1,
		Dialogs: []tg.DialogClass{&tg.Dialog{Peer: &tg.PeerChat{ChatID: 1000}, TopMessage: 1}},
	}

	api := &dialogsAPIStub{pages: []tg.MessagesDialogsClass{firstPage, secondPage}}
	dialogs, err := NewDialogs(api, NewPeerCache(), 0)
	if err != nil {
		t.Fatalf("new dialogs failed: %v", err)
	}

	count, err := dialogs.WarmUp(context.Background())
	if err != nil {
		t.Fatalf("warm up failed: %v", err)
	}
	if count != dialogsPageLimit+1 {
		t.Fatalf("count = %d, want %d", count, dialogsPageLimit+1)
	}
	if len(api.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(api.requests))
	}
	if _, ok := api.requests[0].GetFolderID(); ok {
		t.Fatal("warm up must list the main folder")
	}

	next := api.requests[1]
	if next.OffsetID != dialogsPageLimit || next.OffsetDate != 1_700_000_000 {
		t.Fatalf("offset = %d/%d", next.OffsetID, next.OffsetDate)
	}
	if chat, ok := next.OffsetPeer.(*tg.InputPeerChat); !ok || chat.ChatID != dialogsPageLimit {
		t.Fatalf("offset peer = %#v", next.OffsetPeer)
	}
}

func TestDialogsUnresolvableOffsetFailsTheListing(t *testing.T) {
	t.Parallel()

	// A full page of users whose entities are missing leaves no offset peer
	// for the next request.
	firstPage := &tg.MessagesDialogsSlice{Count: dialogsPageLimit + 1}
	for id := 1; id <= dialogsPageLimit; id++ {
		firstPage.Dialogs = append(firstPage.Dialogs, &tg.Dialog{Peer: &tg.PeerUser{UserID: int64(id)}, TopMessage: id})
	}
	api := &dialogsAPIStub{pages: []tg.MessagesDialogsClass{firstPage}}
	dialogs, err := NewDialogs(api, NewPeerCache(), 0)
	if err != nil {
		t.Fatalf("new dialogs failed: %v", err)
	}

	got, err := dialogs.ListArchivedPeers(context.Background())
	if !errors.Is(err, kiroku.ErrPeerNotFound) {
		t.Fatalf("error = %v, want ErrPeerNotFound", err)
	}
	if got != nil {
		t.Fatalf("peers = %d entries, want none on a truncated listing", len(got))
	}
	if len(api.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(api.requests))
	}
}

func TestDialogsWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	dialogs, err := NewDialogs(&dialogsAPIStub{err: boom}, NewPeerCache(), 0)
	if err != nil {
		t.Fatalf("new dialogs failed: %v", err)
	}

	if _, err := dialogs.ListArchivedPeers(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

type dialogsAPIStub struct {
	pages    []tg.MessagesDialogsClass
	requests []*tg.MessagesGetDialogsRequest
	err      error
}

func (s *dialogsAPIStub) MessagesGetDialogs(
	_ context.Context,
	request *tg.MessagesGetDialogsRequest,
) (tg.MessagesDialogsClass, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, request)
	if len(s.requests) > len(s.pages) {
		return &tg.MessagesDialogs{}, nil
	}

	return s.pages[len(s.requests)-1], nil
}
