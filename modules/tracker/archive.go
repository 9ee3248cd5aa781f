package tracker

import "kiroku/pkg/kiroku"

// ArchiveFilter holds the set of archived conversations. Messages from these
// peers are neither cached nor reported.
type ArchiveFilter struct {
	peers map[kiroku.Peer]struct{}
}

// NewArchiveFilter creates an empty filter.
func NewArchiveFilter() *ArchiveFilter {
	return &ArchiveFilter{peers: make(map[kiroku.Peer]struct{})}
}

// Replace swaps the whole archived set.
func (f *ArchiveFilter) Replace(peers []kiroku.Peer) {
	next := make(map[kiroku.Peer]struct{}, len(peers))
	for _, peer := range peers {
		if peer.IsZero() {
			continue
		}
		next[peer] = struct{}{}
	}
	f.peers = next
}

// Contains reports whether peer is archived.
func (f *ArchiveFilter) Contains(peer kiroku.Peer) bool {
	if peer.IsZero() {
		return false
	}
	_, ok := f.peers[peer]

	return ok
}

// Len returns the archived set size.
func (f *ArchiveFilter) Len() int {
	return len(f.peers)
}
