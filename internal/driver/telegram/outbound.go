package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const (
	defaultOutboundTimeout = 3 * time.Second
	roundVideoSide         = 240
)

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout bounds each outbound RPC call. Uploads get the media
// timeout instead.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithUploadTimeout bounds one media upload including the final send.
func WithUploadTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.uploadTimeout = timeout
		}
	}
}

// WithOutboundLogger configures structured logging for outbound operations.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.logger = logger
	}
}

// WithSinkRef configures the sink identity returned by sink-list operations.
func WithSinkRef(ref kiroku.EventSink) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.sink = ref
		if cfg.sink.Platform == "" {
			cfg.sink.Platform = DriverPlatform
		}
	}
}

// SinkDispatcher adapts neutral outbound operations to Telegram RPC calls.
type SinkDispatcher struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram outboundRPC
}

type outboundConfig struct {
	rpcTimeout    time.Duration
	uploadTimeout time.Duration
	logger        *slog.Logger
	sink          kiroku.EventSink
}

// NewOutboundDispatcher creates a Telegram outbound dispatcher using the raw API client.
func NewOutboundDispatcher(
	api *tg.Client,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil client")
	}

	return newOutboundDispatcherWithRPC(newGotdOutboundRPC(api), peers, options...)
}

func newOutboundDispatcherWithRPC(
	rpc outboundRPC,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil peer cache")
	}

	cfg := outboundConfig{
		rpcTimeout:    defaultOutboundTimeout,
		uploadTimeout: defaultDownloadTimeout,
		sink: kiroku.EventSink{
			Platform: DriverPlatform,
		},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &SinkDispatcher{
		cfg:      cfg,
		peers:    peers,
		telegram: rpc,
	}, nil
}

// SendText publishes a text message to a Telegram conversation.
func (d *SinkDispatcher) SendText(
	ctx context.Context,
	request kiroku.SendTextRequest,
) (*kiroku.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send text validate: %w", err)
	}

	peer, err := d.resolvePeer(request.Target)
	if err != nil {
		return nil, fmt.Errorf("send text resolve peer: %w", err)
	}

	rpcCtx, cancel := withTimeout(ctx, d.cfg.rpcTimeout)
	defer cancel()

	id, err := d.telegram.SendText(rpcCtx, peer, request)
	if err != nil {
		return nil, fmt.Errorf("send text to %s: %w", targetLabel(request.Target), d.mapError(kiroku.OutboundOperationSendText, err))
	}

	d.logOutbound(ctx, kiroku.OutboundOperationSendText, "target", targetLabel(request.Target), "message_id", id)

	return &kiroku.OutboundMessage{ID: id, Target: request.Target}, nil
}

// SendMedia uploads bytes and publishes them as one Telegram media message.
func (d *SinkDispatcher) SendMedia(
	ctx context.Context,
	request kiroku.SendMediaRequest,
) (*kiroku.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send media validate: %w", err)
	}

	peer, err := d.resolvePeer(request.Target)
	if err != nil {
		return nil, fmt.Errorf("send media resolve peer: %w", err)
	}

	rpcCtx, cancel := withTimeout(ctx, d.cfg.uploadTimeout)
	defer cancel()

	id, err := d.telegram.SendMedia(rpcCtx, peer, request)
	if err != nil {
		return nil, fmt.Errorf(
			"send %s to %s: %w",
			request.Kind,
			targetLabel(request.Target),
			d.mapError(kiroku.OutboundOperationSendMedia, err),
		)
	}

	d.logOutbound(
		ctx,
		kiroku.OutboundOperationSendMedia,
		"target", targetLabel(request.Target),
		"message_id", id,
		"media_kind", request.Kind,
		"size_bytes", len(request.Data),
	)

	return &kiroku.OutboundMessage{ID: id, Target: request.Target}, nil
}

// ListSinks returns the configured Telegram sink identity.
func (d *SinkDispatcher) ListSinks(ctx context.Context) ([]kiroku.EventSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}

	return []kiroku.EventSink{d.cfg.sink}, nil
}

// ListSinksByPlatform returns the configured sink when platform matches Telegram.
func (d *SinkDispatcher) ListSinksByPlatform(
	ctx context.Context,
	platform kiroku.Platform,
) ([]kiroku.EventSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list sinks by platform: %w", err)
	}
	if platform != d.cfg.sink.Platform {
		return []kiroku.EventSink{}, nil
	}

	return []kiroku.EventSink{d.cfg.sink}, nil
}

// resolvePeer maps the zero peer to saved messages.
func (d *SinkDispatcher) resolvePeer(target kiroku.OutboundTarget) (tg.InputPeerClass, error) {
	if target.Sink != nil && target.Sink.Platform != "" && target.Sink.Platform != kiroku.PlatformTelegram {
		return nil, fmt.Errorf("%w: platform %s", kiroku.ErrOutboundUnsupported, target.Sink.Platform)
	}
	if target.Peer.IsZero() {
		return &tg.InputPeerSelf{}, nil
	}

	peer, err := d.peers.Resolve(target.Peer)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target.Peer, err)
	}

	return peer, nil
}

// mapError classifies RPC failures and marks unreachable destinations with
// kiroku.ErrPeerNotFound so callers can pick another target.
func (d *SinkDispatcher) mapError(operation kiroku.OutboundOperation, err error) error {
	mapped := mapTelegramOutboundError(operation, d.cfg.sink, err)
	if tgerr.Is(err, "PEER_ID_INVALID", "CHANNEL_INVALID", "CHANNEL_PRIVATE", "CHAT_ID_INVALID") {
		return fmt.Errorf("%w: %w", kiroku.ErrPeerNotFound, mapped)
	}

	return mapped
}

func (d *SinkDispatcher) logOutbound(ctx context.Context, operation kiroku.OutboundOperation, attrs ...any) {
	if d.cfg.logger == nil {
		return
	}

	values := make([]any, 0, 4+len(attrs))
	values = append(values, "operation", operation, "platform", kiroku.PlatformTelegram)
	values = append(values, attrs...)
	d.cfg.logger.DebugContext(ctx, "telegram outbound operation", values...)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}

func targetLabel(target kiroku.OutboundTarget) string {
	if target.Peer.IsZero() {
		return "saved messages"
	}

	return target.Peer.String()
}

type outboundRPC interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, request kiroku.SendTextRequest) (int, error)
	SendMedia(ctx context.Context, peer tg.InputPeerClass, request kiroku.SendMediaRequest) (int, error)
}

type gotdOutboundRPC struct {
	raw      *tg.Client
	rand     io.Reader
	uploader *uploader.Uploader
}

func newGotdOutboundRPC(api *tg.Client) gotdOutboundRPC {
	return gotdOutboundRPC{
		raw:      api,
		rand:     crypto.DefaultRand(),
		uploader: uploader.NewUploader(api),
	}
}

func (r gotdOutboundRPC) SendText(
	ctx context.Context,
	peer tg.InputPeerClass,
	request kiroku.SendTextRequest,
) (int, error) {
	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return 0, fmt.Errorf("send text random id: %w", err)
	}

	updates, err := r.raw.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   request.Text,
		NoWebpage: request.DisableLinkPreview,
		RandomID:  randomID,
	})
	if err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}

func (r gotdOutboundRPC) SendMedia(
	ctx context.Context,
	peer tg.InputPeerClass,
	request kiroku.SendMediaRequest,
) (int, error) {
	file, err := r.uploader.FromBytes(ctx, request.FileName, request.Data)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", request.FileName, err)
	}

	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return 0, fmt.Errorf("send media random id: %w", err)
	}

	updates, err := r.raw.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    inputMediaFor(file, request),
		Message:  request.Caption,
		RandomID: randomID,
	})
	if err != nil {
		return 0, fmt.Errorf("send media: %w", err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}

func inputMediaFor(file tg.InputFileClass, request kiroku.SendMediaRequest) tg.InputMediaClass {
	if request.Kind == kiroku.OutboundMediaPhoto {
		return &tg.InputMediaUploadedPhoto{File: file}
	}

	attributes := []tg.DocumentAttributeClass{
		&tg.DocumentAttributeFilename{FileName: request.FileName},
	}
	switch request.Kind {
	case kiroku.OutboundMediaVoice:
		attributes = append(attributes, &tg.DocumentAttributeAudio{Voice: true})
	case kiroku.OutboundMediaVideoNote:
		attributes = append(attributes, &tg.DocumentAttributeVideo{
			RoundMessage: true,
			W:            roundVideoSide,
			H:            roundVideoSide,
		})
	}

	mimeType := request.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &tg.InputMediaUploadedDocument{
		File:       file,
		MimeType:   mimeType,
		Attributes: attributes,
	}
}
