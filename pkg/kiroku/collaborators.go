package kiroku

import "context"

// MediaFetcher downloads the raw bytes of the media attached to one message.
type MediaFetcher interface {
	// FetchMedia returns ErrMediaUnavailable when the message carries no
	// downloadable media.
	FetchMedia(ctx context.Context, peer Peer, messageID int) ([]byte, error)
}

// SenderDirectory resolves user identifiers into display names.
type SenderDirectory interface {
	// DisplayName returns "@username", "First Last" or "User <id>".
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// ArchiveLister enumerates conversations moved to the archive folder.
type ArchiveLister interface {
	ListArchivedPeers(ctx context.Context) ([]Peer, error)
}
