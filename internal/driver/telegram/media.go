package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
)

const (
	defaultMediaIndexCapacity = 4096
	defaultDownloadTimeout    = 2 * time.Minute
)

type mediaKey struct {
	peer      kiroku.Peer
	messageID int
}

// MediaIndex remembers file locations of recently mapped messages so media can
// be downloaded without another message lookup. The oldest entry is dropped
// once capacity is reached.
type MediaIndex struct {
	mu        sync.Mutex
	capacity  int
	locations map[mediaKey]tg.InputFileLocationClass
	order     []mediaKey
}

// NewMediaIndex creates an index bounded to capacity entries.
func NewMediaIndex(capacity int) *MediaIndex {
	if capacity <= 0 {
		capacity = defaultMediaIndexCapacity
	}

	return &MediaIndex{
		capacity:  capacity,
		locations: make(map[mediaKey]tg.InputFileLocationClass),
	}
}

// Remember stores the latest location for one message, replacing older ones.
func (i *MediaIndex) Remember(peer kiroku.Peer, messageID int, location tg.InputFileLocationClass) {
	if i == nil || location == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	key := mediaKey{peer: peer, messageID: messageID}
	if _, exists := i.locations[key]; !exists {
		i.order = append(i.order, key)
	}
	i.locations[key] = location

	for len(i.locations) > i.capacity && len(i.order) > 0 {
		oldest := i.order[0]
		i.order = i.order[1:]
		delete(i.locations, oldest)
	}
}

// Lookup returns the remembered location for one message.
func (i *MediaIndex) Lookup(peer kiroku.Peer, messageID int) (tg.InputFileLocationClass, bool) {
	if i == nil {
		return nil, false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	location, ok := i.locations[mediaKey{peer: peer, messageID: messageID}]

	return location, ok
}

// Len returns the number of remembered locations.
func (i *MediaIndex) Len() int {
	if i == nil {
		return 0
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	return len(i.locations)
}

// mediaLocation returns the downloadable file location for photos and
// documents. The largest photo size is selected.
func mediaLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, bool) {
	switch typed := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := typed.Photo.(*tg.Photo)
		if !ok {
			return nil, false
		}
		size, ok := largestPhotoSize(photo.Sizes)
		if !ok {
			return nil, false
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     size,
		}, true
	case *tg.MessageMediaDocument:
		document, ok := typed.Document.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &tg.InputDocumentFileLocation{
			ID:            document.ID,
			AccessHash:    document.AccessHash,
			FileReference: document.FileReference,
		}, true
	default:
		return nil, false
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, bool) {
	var (
		best     string
		bestArea int
	)
	for _, size := range sizes {
		var area int
		switch typed := size.(type) {
		case *tg.PhotoSize:
			area = typed.W * typed.H
		case *tg.PhotoSizeProgressive:
			area = typed.W * typed.H
		case *tg.PhotoCachedSize:
			area = typed.W * typed.H
		default:
			continue
		}
		if best == "" || area > bestArea {
			best = size.GetType()
			bestArea = area
		}
	}

	return best, best != ""
}

// messagesAPI is the subset of tg.Client used to look messages up again when
// the index has no location for them.
type messagesAPI interface {
	MessagesGetMessages(ctx context.Context, id []tg.InputMessageClass) (tg.MessagesMessagesClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
}

// fileLoader streams one file location into memory.
type fileLoader func(ctx context.Context, location tg.InputFileLocationClass) ([]byte, error)

// MediaDownloader implements kiroku.MediaFetcher on top of gotd's downloader.
type MediaDownloader struct {
	index   *MediaIndex
	peers   *PeerCache
	api     messagesAPI
	load    fileLoader
	timeout time.Duration
	logger  *slog.Logger
}

// NewMediaDownloader creates a media fetcher for one Telegram session.
func NewMediaDownloader(
	api *tg.Client,
	index *MediaIndex,
	peers *PeerCache,
	timeout time.Duration,
	logger *slog.Logger,
) (*MediaDownloader, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram media downloader: nil api")
	}

	files := downloader.NewDownloader()
	load := func(ctx context.Context, location tg.InputFileLocationClass) ([]byte, error) {
		var buffer bytes.Buffer
		if _, err := files.Download(api, location).Stream(ctx, &buffer); err != nil {
			return nil, fmt.Errorf("download file: %w", err)
		}
		return buffer.Bytes(), nil
	}

	return newMediaDownloader(api, load, index, peers, timeout, logger)
}

func newMediaDownloader(
	api messagesAPI,
	load fileLoader,
	index *MediaIndex,
	peers *PeerCache,
	timeout time.Duration,
	logger *slog.Logger,
) (*MediaDownloader, error) {
	if api == nil || load == nil {
		return nil, fmt.Errorf("new telegram media downloader: nil transport")
	}
	if index == nil {
		index = NewMediaIndex(0)
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram media downloader: nil peer cache")
	}
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MediaDownloader{
		index:   index,
		peers:   peers,
		api:     api,
		load:    load,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// FetchMedia downloads the photo or document attached to one message.
func (d *MediaDownloader) FetchMedia(ctx context.Context, peer kiroku.Peer, messageID int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	location, ok := d.index.Lookup(peer, messageID)
	if !ok {
		var err error
		location, err = d.lookupLocation(ctx, peer, messageID)
		if err != nil {
			return nil, fmt.Errorf("fetch media %s/%d: %w", peer, messageID, err)
		}
	}

	data, err := d.load(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("fetch media %s/%d: %w", peer, messageID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch media %s/%d: empty file: %w", peer, messageID, kiroku.ErrMediaUnavailable)
	}
	d.logger.DebugContext(ctx, "telegram media downloaded",
		"peer", peer.Key(),
		"message_id", messageID,
		"bytes", len(data),
	)

	return data, nil
}

func (d *MediaDownloader) lookupLocation(
	ctx context.Context,
	peer kiroku.Peer,
	messageID int,
) (tg.InputFileLocationClass, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}}

	var (
		response tg.MessagesMessagesClass
		err      error
	)
	if peer.Kind == kiroku.PeerKindChannel {
		channel, resolveErr := d.peers.ResolveChannel(peer)
		if resolveErr != nil {
			return nil, resolveErr
		}
		response, err = d.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: channel,
			ID:      ids,
		})
	} else {
		response, err = d.api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	for _, raw := range messagesFromResponse(response) {
		message, ok := raw.(*tg.Message)
		if !ok || message.ID != messageID {
			continue
		}
		location, ok := mediaLocation(message.Media)
		if !ok {
			return nil, kiroku.ErrMediaUnavailable
		}
		d.index.Remember(peer, messageID, location)
		return location, nil
	}

	return nil, kiroku.ErrMediaUnavailable
}

func messagesFromResponse(response tg.MessagesMessagesClass) []tg.MessageClass {
	switch typed := response.(type) {
	case *tg.MessagesMessages:
		return typed.Messages
	case *tg.MessagesMessagesSlice:
		return typed.Messages
	case *tg.MessagesChannelMessages:
		return typed.Messages
	default:
		return nil
	}
}
