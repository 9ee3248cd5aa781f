package telegram

import (
	"errors"
	"fmt"
	"testing"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

func TestPeerCacheRememberEntitiesAndResolve(t *testing.T) {
	t.Parallel()

	user := &tg.User{ID: 7, Username: "eve"}
	user.SetAccessHash(77)

	cache := NewPeerCache()
	cache.RememberEntities(
		map[int64]*tg.User{7: user},
		map[kiroku.Peer]gotdChatInfo{
			kiroku.ChatPeer(10):    {inputPeer: &tg.InputPeerChat{ChatID: 10}},
			kiroku.ChannelPeer(30): {inputPeer: &tg.InputPeerChannel{ChannelID: 30, AccessHash: 3030}},
		},
	)

	tests := []struct {
		name     string
		peer     kiroku.Peer
		wantType string
		wantErr  error
	}{
		{name: "user", peer: kiroku.UserPeer(7), wantType: "*tg.InputPeerUser"},
		{name: "basic group", peer: kiroku.ChatPeer(10), wantType: "*tg.InputPeerChat"},
		{name: "unseen basic group needs no hash", peer: kiroku.ChatPeer(11), wantType: "*tg.InputPeerChat"},
		{name: "channel", peer: kiroku.ChannelPeer(30), wantType: "*tg.InputPeerChannel"},
		{name: "unknown channel", peer: kiroku.ChannelPeer(31), wantErr: kiroku.ErrPeerNotFound},
		{name: "unknown user", peer: kiroku.UserPeer(8), wantErr: kiroku.ErrPeerNotFound},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			input, err := cache.Resolve(testCase.peer)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := typeName(input); got != testCase.wantType {
				t.Fatalf("peer type = %s, want %s", got, testCase.wantType)
			}
		})
	}

	if name, ok := cache.DisplayName(7); !ok || name != "@eve" {
		t.Fatalf("display name = %q, %v; want @eve", name, ok)
	}
}

func TestPeerCacheResolveChannelAndUser(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.Remember(kiroku.ChannelPeer(55), &tg.InputPeerChannel{ChannelID: 55, AccessHash: 555})
	cache.Remember(kiroku.UserPeer(9), &tg.InputPeerUser{UserID: 9, AccessHash: 99})

	channel, err := cache.ResolveChannel(kiroku.ChannelPeer(55))
	if err != nil {
		t.Fatalf("resolve channel failed: %v", err)
	}
	typed, ok := channel.(*tg.InputChannel)
	if !ok || typed.AccessHash != 555 {
		t.Fatalf("channel = %#v, want access hash 555", channel)
	}
	if _, err := cache.ResolveChannel(kiroku.UserPeer(9)); err == nil {
		t.Fatal("expected error for non-channel peer")
	}

	if user, ok := cache.ResolveUser(9).(*tg.InputUser); !ok || user.AccessHash != 99 {
		t.Fatalf("user = %#v, want access hash 99", cache.ResolveUser(9))
	}
	if user, ok := cache.ResolveUser(10).(*tg.InputUser); !ok || user.UserID != 10 || user.AccessHash != 0 {
		t.Fatalf("unknown user = %#v, want bare id", cache.ResolveUser(10))
	}
}

func TestUserDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user *tg.User
		want string
	}{
		{name: "username wins", user: &tg.User{ID: 1, Username: "eve", FirstName: "Eve"}, want: "@eve"},
		{name: "first and last", user: &tg.User{ID: 2, FirstName: "Eve", LastName: "Adams"}, want: "Eve Adams"},
		{name: "first only", user: &tg.User{ID: 3, FirstName: "Eve"}, want: "Eve"},
		{name: "no profile", user: &tg.User{ID: 4}, want: "User 4"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := userDisplayName(testCase.user); got != testCase.want {
				t.Fatalf("name = %q, want %q", got, testCase.want)
			}
		})
	}
}

func typeName(value any) string {
	return fmt.Sprintf("%T", value)
}
