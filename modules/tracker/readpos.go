package tracker

// ReadPositions remembers the highest read inbox message id per peer key.
type ReadPositions struct {
	maxRead map[string]int
}

// NewReadPositions creates an empty read-position table.
func NewReadPositions() *ReadPositions {
	return &ReadPositions{maxRead: make(map[string]int)}
}

// MarkRead records maxID for peerKey. The last observed value wins, even when
// it is lower than the previous one.
func (r *ReadPositions) MarkRead(peerKey string, maxID int) {
	if peerKey == "" {
		return
	}
	r.maxRead[peerKey] = maxID
}

// IsUnread reports whether snapshot was not yet read when it disappeared or
// changed. Unknown peers and peers without a marker count as unread.
func (r *ReadPositions) IsUnread(snapshot Snapshot) bool {
	key := snapshot.readKey()
	if key == "" {
		return true
	}
	maxRead, ok := r.maxRead[key]
	if !ok {
		return true
	}

	return snapshot.MessageID > maxRead
}

// Len returns the number of peers with a read marker.
func (r *ReadPositions) Len() int {
	return len(r.maxRead)
}
