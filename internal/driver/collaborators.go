package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"kiroku/pkg/kiroku"
)

// Collaborators bundles the read-side services contributed by built runtimes.
//
// Each field is nil when no runtime provides that capability.
type Collaborators struct {
	MediaFetcher    kiroku.MediaFetcher
	SenderDirectory kiroku.SenderDirectory
	ArchiveLister   kiroku.ArchiveLister
}

type namedRuntime struct {
	id      string
	runtime Runtime
}

// NewCollaborators composes runtime fetchers, directories and archive listers.
//
// Runtimes are consulted in sorted source id order. Lookups fall through to the
// next runtime on ErrMediaUnavailable or ErrPeerNotFound; archive listings are
// merged.
func NewCollaborators(runtimes []Runtime) Collaborators {
	ordered := make([]namedRuntime, 0, len(runtimes))
	for _, runtime := range runtimes {
		ordered = append(ordered, namedRuntime{id: runtime.Source.ID, runtime: runtime})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].id < ordered[j].id
	})

	var (
		fetchers    []kiroku.MediaFetcher
		directories []kiroku.SenderDirectory
		listers     []kiroku.ArchiveLister
	)
	for _, item := range ordered {
		if item.runtime.MediaFetcher != nil {
			fetchers = append(fetchers, item.runtime.MediaFetcher)
		}
		if item.runtime.SenderDirectory != nil {
			directories = append(directories, item.runtime.SenderDirectory)
		}
		if item.runtime.ArchiveLister != nil {
			listers = append(listers, item.runtime.ArchiveLister)
		}
	}

	var collaborators Collaborators
	if len(fetchers) > 0 {
		collaborators.MediaFetcher = compositeFetcher(fetchers)
	}
	if len(directories) > 0 {
		collaborators.SenderDirectory = compositeDirectory(directories)
	}
	if len(listers) > 0 {
		collaborators.ArchiveLister = compositeArchiveLister(listers)
	}

	return collaborators
}

type compositeFetcher []kiroku.MediaFetcher

func (c compositeFetcher) FetchMedia(ctx context.Context, peer kiroku.Peer, messageID int) ([]byte, error) {
	for _, fetcher := range c {
		data, err := fetcher.FetchMedia(ctx, peer, messageID)
		if errors.Is(err, kiroku.ErrMediaUnavailable) || errors.Is(err, kiroku.ErrPeerNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch media %s/%d: %w", peer, messageID, err)
		}

		return data, nil
	}

	return nil, fmt.Errorf("fetch media %s/%d: %w", peer, messageID, kiroku.ErrMediaUnavailable)
}

type compositeDirectory []kiroku.SenderDirectory

func (c compositeDirectory) DisplayName(ctx context.Context, userID int64) (string, error) {
	for _, directory := range c {
		name, err := directory.DisplayName(ctx, userID)
		if errors.Is(err, kiroku.ErrPeerNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("display name %d: %w", userID, err)
		}

		return name, nil
	}

	return "", fmt.Errorf("display name %d: %w", userID, kiroku.ErrPeerNotFound)
}

type compositeArchiveLister []kiroku.ArchiveLister

func (c compositeArchiveLister) ListArchivedPeers(ctx context.Context) ([]kiroku.Peer, error) {
	seen := make(map[kiroku.Peer]struct{})
	peers := make([]kiroku.Peer, 0)
	for index, lister := range c {
		listed, err := lister.ListArchivedPeers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list archived peers from lister %d: %w", index, err)
		}
		for _, peer := range listed {
			if _, exists := seen[peer]; exists {
				continue
			}
			seen[peer] = struct{}{}
			peers = append(peers, peer)
		}
	}

	return peers, nil
}
