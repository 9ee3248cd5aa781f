package driver

import (
	"context"
	"errors"
	"testing"

	"kiroku/pkg/kiroku"
)

func TestNewCollaboratorsEmpty(t *testing.T) {
	t.Parallel()

	collaborators := NewCollaborators([]Runtime{{Source: kiroku.EventSource{ID: "tg-main"}}})
	if collaborators.MediaFetcher != nil || collaborators.SenderDirectory != nil || collaborators.ArchiveLister != nil {
		t.Fatalf("collaborators = %+v, want none", collaborators)
	}
}

func TestCompositeFetcherFallsThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name     string
		fetchers map[string]fetcherStub
		want     string
		wantErr  error
	}{
		{
			name: "first runtime by id wins",
			fetchers: map[string]fetcherStub{
				"b": {data: []byte("b")},
				"a": {data: []byte("a")},
			},
			want: "a",
		},
		{
			name: "unavailable falls through",
			fetchers: map[string]fetcherStub{
				"a": {err: kiroku.ErrMediaUnavailable},
				"b": {err: kiroku.ErrPeerNotFound},
				"c": {data: []byte("c")},
			},
			want: "c",
		},
		{
			name: "nobody has it",
			fetchers: map[string]fetcherStub{
				"a": {err: kiroku.ErrPeerNotFound},
			},
			wantErr: kiroku.ErrMediaUnavailable,
		},
		{
			name: "hard failure stops",
			fetchers: map[string]fetcherStub{
				"a": {err: boom},
				"b": {data: []byte("b")},
			},
			wantErr: boom,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			runtimes := make([]Runtime, 0, len(testCase.fetchers))
			for id, fetcher := range testCase.fetchers {
				runtimes = append(runtimes, Runtime{
					Source:       kiroku.EventSource{Platform: kiroku.PlatformTelegram, ID: id},
					MediaFetcher: fetcher,
				})
			}

			data, err := NewCollaborators(runtimes).MediaFetcher.FetchMedia(context.Background(), kiroku.UserPeer(1), 5)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil || string(data) != testCase.want {
				t.Fatalf("fetch = %q, %v; want %q", data, err, testCase.want)
			}
		})
	}
}

func TestCompositeDirectoryFallsThrough(t *testing.T) {
	t.Parallel()

	collaborators := NewCollaborators([]Runtime{
		{Source: kiroku.EventSource{ID: "a"}, SenderDirectory: directoryStub{names: map[int64]string{}}},
		{Source: kiroku.EventSource{ID: "b"}, SenderDirectory: directoryStub{names: map[int64]string{7: "@eve"}}},
	})

	name, err := collaborators.SenderDirectory.DisplayName(context.Background(), 7)
	if err != nil || name != "@eve" {
		t.Fatalf("display name = %q, %v", name, err)
	}
	if _, err := collaborators.SenderDirectory.DisplayName(context.Background(), 8); !errors.Is(err, kiroku.ErrPeerNotFound) {
		t.Fatalf("error = %v, want peer not found", err)
	}
}

func TestCompositeArchiveListerMerges(t *testing.T) {
	t.Parallel()

	collaborators := NewCollaborators([]Runtime{
		{
			Source:        kiroku.EventSource{ID: "b"},
			ArchiveLister: archiveStub{peers: []kiroku.Peer{kiroku.ChannelPeer(2), kiroku.UserPeer(3)}},
		},
		{
			Source:        kiroku.EventSource{ID: "a"},
			ArchiveLister: archiveStub{peers: []kiroku.Peer{kiroku.ChannelPeer(1), kiroku.ChannelPeer(2)}},
		},
	})

	peers, err := collaborators.ArchiveLister.ListArchivedPeers(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []kiroku.Peer{kiroku.ChannelPeer(1), kiroku.ChannelPeer(2), kiroku.UserPeer(3)}
	if len(peers) != len(want) {
		t.Fatalf("peers = %v, want %v", peers, want)
	}
	for index := range want {
		if peers[index] != want[index] {
			t.Fatalf("peers = %v, want %v", peers, want)
		}
	}

	failing := NewCollaborators([]Runtime{
		{Source: kiroku.EventSource{ID: "a"}, ArchiveLister: archiveStub{err: errors.New("rpc down")}},
	})
	if _, err := failing.ArchiveLister.ListArchivedPeers(context.Background()); err == nil {
		t.Fatal("expected lister error")
	}
}

type fetcherStub struct {
	data []byte
	err  error
}

func (f fetcherStub) FetchMedia(context.Context, kiroku.Peer, int) ([]byte, error) {
	return f.data, f.err
}

type directoryStub struct {
	names map[int64]string
}

func (d directoryStub) DisplayName(_ context.Context, userID int64) (string, error) {
	name, ok := d.names[userID]
	if !ok {
		return "", kiroku.ErrPeerNotFound
	}
	return name, nil
}

type archiveStub struct {
	peers []kiroku.Peer
	err   error
}

func (a archiveStub) ListArchivedPeers(context.Context) ([]kiroku.Peer, error) {
	return a.peers, a.err
}
