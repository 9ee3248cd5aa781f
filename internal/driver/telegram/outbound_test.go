package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

func TestOutboundDispatcherSendText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		request      kiroku.SendTextRequest
		rpcErr       error
		wantPeerType string
		wantErr      error
		wantKind     kiroku.OutboundErrorKind
	}{
		{
			name:         "saved messages",
			request:      kiroku.SendTextRequest{Target: kiroku.SavedMessages(), Text: "report"},
			wantPeerType: "*tg.InputPeerSelf",
		},
		{
			name:         "known channel",
			request:      kiroku.SendTextRequest{Target: kiroku.OutboundTarget{Peer: kiroku.ChannelPeer(30)}, Text: "report"},
			wantPeerType: "*tg.InputPeerChannel",
		},
		{
			name:    "unknown channel",
			request: kiroku.SendTextRequest{Target: kiroku.OutboundTarget{Peer: kiroku.ChannelPeer(31)}, Text: "report"},
			wantErr: kiroku.ErrPeerNotFound,
		},
		{
			name:    "empty text",
			request: kiroku.SendTextRequest{Target: kiroku.SavedMessages()},
			wantErr: kiroku.ErrInvalidOutboundRequest,
		},
		{
			name: "foreign sink",
			request: kiroku.SendTextRequest{
				Target: kiroku.OutboundTarget{Sink: &kiroku.EventSink{Platform: "discord"}},
				Text:   "report",
			},
			wantErr: kiroku.ErrOutboundUnsupported,
		},
		{
			name:     "invalid peer rpc error",
			request:  kiroku.SendTextRequest{Target: kiroku.OutboundTarget{Peer: kiroku.ChannelPeer(30)}, Text: "report"},
			rpcErr:   tgerr.New(400, "CHANNEL_PRIVATE"),
			wantErr:  kiroku.ErrPeerNotFound,
			wantKind: kiroku.OutboundErrorKindPermanent,
		},
		{
			name:     "flood wait",
			request:  kiroku.SendTextRequest{Target: kiroku.SavedMessages(), Text: "report"},
			rpcErr:   tgerr.New(420, "FLOOD_WAIT_30"),
			wantKind: kiroku.OutboundErrorKindRateLimited,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			rpc := &stubOutboundRPC{messageID: 901, err: testCase.rpcErr}
			dispatcher := newTestDispatcher(t, rpc)

			sent, err := dispatcher.SendText(context.Background(), testCase.request)
			if testCase.wantErr != nil || testCase.wantKind != "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				if testCase.wantKind != "" && kiroku.OutboundErrorKindOf(err) != testCase.wantKind {
					t.Fatalf("kind = %s, want %s", kiroku.OutboundErrorKindOf(err), testCase.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sent.ID != 901 || sent.Target != testCase.request.Target {
				t.Fatalf("sent = %+v", sent)
			}
			if got := typeName(rpc.peer); got != testCase.wantPeerType {
				t.Fatalf("peer type = %s, want %s", got, testCase.wantPeerType)
			}
			if rpc.text.Text != testCase.request.Text {
				t.Fatalf("text = %q", rpc.text.Text)
			}
		})
	}
}

func TestOutboundDispatcherSendMedia(t *testing.T) {
	t.Parallel()

	rpc := &stubOutboundRPC{messageID: 55}
	dispatcher := newTestDispatcher(t, rpc)

	request := kiroku.SendMediaRequest{
		Target:   kiroku.SavedMessages(),
		Kind:     kiroku.OutboundMediaVoice,
		Data:     []byte("ogg"),
		MIMEType: "audio/ogg",
		FileName: "voice.ogg",
		Caption:  "header",
	}
	sent, err := dispatcher.SendMedia(context.Background(), request)
	if err != nil {
		t.Fatalf("send media failed: %v", err)
	}
	if sent.ID != 55 || rpc.media.FileName != "voice.ogg" {
		t.Fatalf("sent = %+v media = %+v", sent, rpc.media)
	}
	if rpc.deadline.IsZero() {
		t.Fatal("media rpc must run under a deadline")
	}

	request.Kind = kiroku.OutboundMediaVideoNote
	if _, err := dispatcher.SendMedia(context.Background(), request); !errors.Is(err, kiroku.ErrInvalidOutboundRequest) {
		t.Fatalf("error = %v, want invalid request for captioned video note", err)
	}

	rpc.err = errors.New("upload failed")
	request.Kind = kiroku.OutboundMediaPhoto
	_, err = dispatcher.SendMedia(context.Background(), request)
	outboundErr, ok := kiroku.AsOutboundError(err)
	if !ok || outboundErr.Operation != kiroku.OutboundOperationSendMedia || outboundErr.SinkID != "tg-main" {
		t.Fatalf("error = %v, want outbound send media error", err)
	}
}

func TestInputMediaFor(t *testing.T) {
	t.Parallel()

	file := &tg.InputFile{ID: 1, Name: "x"}
	tests := []struct {
		name          string
		kind          kiroku.OutboundMediaKind
		mime          string
		wantType      string
		wantMIME      string
		wantAttribute string
	}{
		{name: "photo", kind: kiroku.OutboundMediaPhoto, wantType: "*tg.InputMediaUploadedPhoto"},
		{
			name:          "voice",
			kind:          kiroku.OutboundMediaVoice,
			mime:          "audio/ogg",
			wantType:      "*tg.InputMediaUploadedDocument",
			wantMIME:      "audio/ogg",
			wantAttribute: "*tg.DocumentAttributeAudio",
		},
		{
			name:          "video note",
			kind:          kiroku.OutboundMediaVideoNote,
			mime:          "video/mp4",
			wantType:      "*tg.InputMediaUploadedDocument",
			wantMIME:      "video/mp4",
			wantAttribute: "*tg.DocumentAttributeVideo",
		},
		{
			name:     "document without mime",
			kind:     kiroku.OutboundMediaDocument,
			wantType: "*tg.InputMediaUploadedDocument",
			wantMIME: "application/octet-stream",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			media := inputMediaFor(file, kiroku.SendMediaRequest{
				Kind:     testCase.kind,
				MIMEType: testCase.mime,
				FileName: "file.bin",
			})
			if got := typeName(media); got != testCase.wantType {
				t.Fatalf("media type = %s, want %s", got, testCase.wantType)
			}
			document, ok := media.(*tg.InputMediaUploadedDocument)
			if !ok {
				return
			}
			if document.MimeType != testCase.wantMIME {
				t.Fatalf("mime = %q, want %q", document.MimeType, testCase.wantMIME)
			}
			name, ok := document.Attributes[0].(*tg.DocumentAttributeFilename)
			if !ok || name.FileName != "file.bin" {
				t.Fatalf("first attribute = %#v, want file name", document.Attributes[0])
			}
			if testCase.wantAttribute == "" {
				if len(document.Attributes) != 1 {
					t.Fatalf("attributes = %d, want 1", len(document.Attributes))
				}
				return
			}
			if got := typeName(document.Attributes[1]); got != testCase.wantAttribute {
				t.Fatalf("attribute = %s, want %s", got, testCase.wantAttribute)
			}
		})
	}
}

func TestOutboundDispatcherListSinks(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, &stubOutboundRPC{})

	sinks, err := dispatcher.ListSinks(context.Background())
	if err != nil || len(sinks) != 1 || sinks[0].ID != "tg-main" || sinks[0].Platform != kiroku.PlatformTelegram {
		t.Fatalf("sinks = %v, %v", sinks, err)
	}
	other, err := dispatcher.ListSinksByPlatform(context.Background(), "discord")
	if err != nil || len(other) != 0 {
		t.Fatalf("other platform sinks = %v, %v", other, err)
	}
}

func TestMapTelegramOutboundError(t *testing.T) {
	t.Parallel()

	sink := kiroku.EventSink{Platform: kiroku.PlatformTelegram, ID: "tg-main"}
	tests := []struct {
		name           string
		err            error
		wantKind       kiroku.OutboundErrorKind
		wantRetryAfter time.Duration
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_7"), wantKind: kiroku.OutboundErrorKindRateLimited, wantRetryAfter: 7 * time.Second},
		{name: "bad request", err: tgerr.New(400, "MESSAGE_EMPTY"), wantKind: kiroku.OutboundErrorKindPermanent},
		{name: "server error", err: tgerr.New(500, "INTERNAL"), wantKind: kiroku.OutboundErrorKindTemporary},
		{name: "deadline", err: context.DeadlineExceeded, wantKind: kiroku.OutboundErrorKindTemporary},
		{name: "plain", err: errors.New("boom"), wantKind: kiroku.OutboundErrorKindUnknown},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			mapped := mapTelegramOutboundError(kiroku.OutboundOperationSendText, sink, testCase.err)
			outboundErr, ok := kiroku.AsOutboundError(mapped)
			if !ok {
				t.Fatalf("error = %v, want outbound error", mapped)
			}
			if outboundErr.Kind != testCase.wantKind {
				t.Fatalf("kind = %s, want %s", outboundErr.Kind, testCase.wantKind)
			}
			if outboundErr.RetryAfter != testCase.wantRetryAfter {
				t.Fatalf("retry after = %v, want %v", outboundErr.RetryAfter, testCase.wantRetryAfter)
			}
			if !errors.Is(mapped, testCase.err) {
				t.Fatal("mapped error must wrap the cause")
			}
		})
	}

	if mapTelegramOutboundError(kiroku.OutboundOperationSendText, sink, nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func newTestDispatcher(t *testing.T, rpc *stubOutboundRPC) *SinkDispatcher {
	t.Helper()

	peers := NewPeerCache()
	peers.Remember(kiroku.ChannelPeer(30), &tg.InputPeerChannel{ChannelID: 30, AccessHash: 3030})
	dispatcher, err := newOutboundDispatcherWithRPC(
		rpc,
		peers,
		WithSinkRef(kiroku.EventSink{ID: "tg-main"}),
		WithOutboundTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	return dispatcher
}

type stubOutboundRPC struct {
	messageID int
	err       error
	peer      tg.InputPeerClass
	text      kiroku.SendTextRequest
	media     kiroku.SendMediaRequest
	deadline  time.Time
}

func (s *stubOutboundRPC) SendText(
	_ context.Context,
	peer tg.InputPeerClass,
	request kiroku.SendTextRequest,
) (int, error) {
	s.peer = peer
	s.text = request
	if s.err != nil {
		return 0, s.err
	}

	return s.messageID, nil
}

func (s *stubOutboundRPC) SendMedia(
	ctx context.Context,
	peer tg.InputPeerClass,
	request kiroku.SendMediaRequest,
) (int, error) {
	s.peer = peer
	s.media = request
	s.deadline, _ = ctx.Deadline()
	if s.err != nil {
		return 0, s.err
	}

	return s.messageID, nil
}
