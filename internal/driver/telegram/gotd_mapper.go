package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
)

// DefaultGotdUpdateMapper maps gotd updates into adapter DTO updates.
type DefaultGotdUpdateMapper struct {
	peerCache  *PeerCache
	mediaIndex *MediaIndex
}

// GotdUpdateMapperOption mutates DefaultGotdUpdateMapper behavior.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache records entity-derived peer mappings for outbound dispatch.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if cache != nil {
			mapper.peerCache = cache
		}
	}
}

// WithMediaIndex records file locations of mapped messages for later download.
func WithMediaIndex(index *MediaIndex) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if index != nil {
			mapper.mediaIndex = index
		}
	}
}

// NewDefaultGotdUpdateMapper creates the default gotd mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	mapper := DefaultGotdUpdateMapper{}
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map converts a gotd raw update value into an adapter update.
//
// Only new, edited and deleted messages and inbox read markers are accepted;
// every other update class is skipped.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	select {
	case <-ctx.Done():
		return Update{}, false, fmt.Errorf("map gotd update context: %w", ctx.Err())
	default:
	}

	envelope, err := normalizeGotdRaw(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}
	if m.peerCache != nil {
		m.peerCache.RememberEntities(envelope.usersByID, envelope.chatsByPeer)
	}

	switch update := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return m.mapMessage(UpdateTypeMessage, update.Message, envelope)
	case *tg.UpdateNewChannelMessage:
		return m.mapMessage(UpdateTypeMessage, update.Message, envelope)
	case *tg.UpdateEditMessage:
		return m.mapMessage(UpdateTypeEdit, update.Message, envelope)
	case *tg.UpdateEditChannelMessage:
		return m.mapMessage(UpdateTypeEdit, update.Message, envelope)
	case *tg.UpdateDeleteMessages:
		return mapDelete(kiroku.Peer{}, update.Messages, envelope)
	case *tg.UpdateDeleteChannelMessages:
		return mapDelete(kiroku.ChannelPeer(update.ChannelID), update.Messages, envelope)
	case *tg.UpdateReadHistoryInbox:
		return mapRead(peerFromGotd(update.Peer), update.MaxID, envelope)
	case *tg.UpdateReadChannelInbox:
		return mapRead(kiroku.ChannelPeer(update.ChannelID), update.MaxID, envelope)
	default:
		return Update{}, false, nil
	}
}

func normalizeGotdRaw(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil update class")
		}
		return gotdUpdateEnvelope{
			update:      typed,
			occurredAt:  time.Now().UTC(),
			updateClass: typed.TypeName(),
		}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func (m DefaultGotdUpdateMapper) mapMessage(
	updateType UpdateType,
	raw tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	message, ok := raw.(*tg.Message)
	if !ok {
		// Service messages and empty placeholders carry nothing to track.
		return Update{}, false, nil
	}

	peer := peerFromGotd(message.PeerID)
	if peer.IsZero() {
		return Update{}, false, nil
	}

	sentAt := intToTimeUTC(message.Date)
	occurredAt := sentAt
	if updateType == UpdateTypeEdit {
		if editedAt := intToTimeUTC(message.EditDate); !editedAt.IsZero() {
			occurredAt = editedAt
		}
	}
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}

	var senderID int64
	if from, ok := message.FromID.(*tg.PeerUser); ok {
		senderID = from.UserID
	}

	if m.mediaIndex != nil {
		if location, ok := mediaLocation(message.Media); ok {
			m.mediaIndex.Remember(peer, message.ID, location)
		}
	}

	return Update{
		ID:         composeUpdateID(updateType, peer.Key(), strconv.Itoa(message.ID), occurredAt),
		Type:       updateType,
		OccurredAt: occurredAt,
		Peer:       peer,
		Message: &MessagePayload{
			ID:       message.ID,
			Text:     message.Message,
			SentAt:   sentAt,
			Outgoing: message.Out,
			SenderID: senderID,
			Media:    mapMessageMedia(message.Media),
		},
		Metadata: newGotdMetadata(envelope),
	}, true, nil
}

func mapDelete(peer kiroku.Peer, messageIDs []int, envelope gotdUpdateEnvelope) (Update, bool, error) {
	if len(messageIDs) == 0 {
		return Update{}, false, nil
	}

	occurredAt := envelope.occurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	ids := make([]int, len(messageIDs))
	copy(ids, messageIDs)

	parts := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	parts = append(parts, occurredAt)

	return Update{
		ID:         composeUpdateID(UpdateTypeDelete, peer.Key(), parts...),
		Type:       UpdateTypeDelete,
		OccurredAt: occurredAt,
		Peer:       peer,
		Delete:     &DeletePayload{MessageIDs: ids},
		Metadata:   newGotdMetadata(envelope),
	}, true, nil
}

func mapRead(peer kiroku.Peer, maxID int, envelope gotdUpdateEnvelope) (Update, bool, error) {
	if peer.IsZero() {
		return Update{}, false, nil
	}

	occurredAt := envelope.occurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Update{
		ID:         composeUpdateID(UpdateTypeRead, peer.Key(), strconv.Itoa(maxID), occurredAt),
		Type:       UpdateTypeRead,
		OccurredAt: occurredAt,
		Peer:       peer,
		Read:       &ReadPayload{MaxID: maxID},
		Metadata:   newGotdMetadata(envelope),
	}, true, nil
}

func peerFromGotd(peer tg.PeerClass) kiroku.Peer {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return kiroku.UserPeer(typed.UserID)
	case *tg.PeerChat:
		return kiroku.ChatPeer(typed.ChatID)
	case *tg.PeerChannel:
		return kiroku.ChannelPeer(typed.ChannelID)
	default:
		return kiroku.Peer{}
	}
}

// mapMessageMedia projects attached media into classification facts.
func mapMessageMedia(media tg.MessageMediaClass) *MediaPayload {
	switch typed := media.(type) {
	case nil, *tg.MessageMediaEmpty:
		return nil
	case *tg.MessageMediaPhoto:
		return &MediaPayload{Type: kiroku.AttachmentTypePhoto, MIMEType: "image/jpeg"}
	case *tg.MessageMediaDocument:
		document, ok := typed.Document.(*tg.Document)
		if !ok {
			return &MediaPayload{Type: kiroku.AttachmentTypeOther}
		}
		return mapDocumentMedia(document)
	case *tg.MessageMediaContact:
		return &MediaPayload{Type: kiroku.AttachmentTypeContact}
	case *tg.MessageMediaGeo, *tg.MessageMediaVenue:
		return &MediaPayload{Type: kiroku.AttachmentTypeLocation}
	case *tg.MessageMediaPoll:
		return &MediaPayload{Type: kiroku.AttachmentTypePoll}
	default:
		return &MediaPayload{Type: kiroku.AttachmentTypeOther}
	}
}

func mapDocumentMedia(document *tg.Document) *MediaPayload {
	payload := &MediaPayload{
		Type:      kiroku.AttachmentTypeDocument,
		MIMEType:  document.MimeType,
		SizeBytes: document.Size,
	}
	for _, attribute := range document.Attributes {
		switch typed := attribute.(type) {
		case *tg.DocumentAttributeAudio:
			payload.Audio = true
			payload.Voice = payload.Voice || typed.Voice
		case *tg.DocumentAttributeVideo:
			payload.Video = true
			payload.RoundVideo = payload.RoundVideo || typed.RoundMessage
		case *tg.DocumentAttributeSticker:
			payload.Sticker = true
		case *tg.DocumentAttributeFilename:
			if payload.FileName == "" {
				payload.FileName = typed.FileName
			}
		}
	}

	return payload
}

func composeUpdateID(updateType UpdateType, peerKey string, parts ...any) string {
	values := []string{"tg", string(updateType)}
	if peerKey != "" {
		values = append(values, peerKey)
	}
	for _, part := range parts {
		switch typed := part.(type) {
		case string:
			if typed != "" {
				values = append(values, typed)
			}
		case time.Time:
			if !typed.IsZero() {
				values = append(values, strconv.FormatInt(typed.UnixNano(), 10))
			}
		default:
			values = append(values, fmt.Sprint(part))
		}
	}

	return strings.Join(values, ":")
}

func newGotdMetadata(envelope gotdUpdateEnvelope) map[string]string {
	if envelope.updateClass == "" {
		return nil
	}

	return map[string]string{
		"gotd_update": envelope.updateClass,
	}
}
