package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kiroku/pkg/kiroku"
)

// Forwarder delivers rendered reports through a sink dispatcher.
type Forwarder struct {
	dispatcher kiroku.SinkDispatcher
	target     kiroku.OutboundTarget
	logger     *slog.Logger
}

// NewForwarder creates a forwarder sending to target. A target peer that the
// sink cannot resolve falls back to saved messages.
func NewForwarder(dispatcher kiroku.SinkDispatcher, target kiroku.OutboundTarget, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Forwarder{dispatcher: dispatcher, target: target, logger: logger}
}

// Deliver sends report. Round videos cannot carry a caption, so their text is
// sent as a separate message first.
func (f *Forwarder) Deliver(ctx context.Context, report Report) error {
	if f.dispatcher == nil {
		return fmt.Errorf("deliver %s report: sink dispatcher not configured", report.Kind)
	}

	err := f.deliverTo(ctx, f.target, report)
	if errors.Is(err, kiroku.ErrPeerNotFound) && !f.target.Peer.IsZero() {
		f.logger.WarnContext(ctx,
			"report target unresolvable, falling back to saved messages",
			"target", f.target.Peer.String(),
			"report_id", report.ID,
		)
		fallback := kiroku.SavedMessages()
		fallback.Sink = f.target.Sink
		err = f.deliverTo(ctx, fallback, report)
	}
	if err != nil {
		return fmt.Errorf("deliver %s report %s: %w", report.Kind, report.ID, err)
	}

	return nil
}

func (f *Forwarder) deliverTo(ctx context.Context, target kiroku.OutboundTarget, report Report) error {
	media := report.Media
	if media == nil {
		return f.sendText(ctx, target, report.Text)
	}

	request := kiroku.SendMediaRequest{
		Target:   target,
		Data:     media.Data,
		MIMEType: media.MIMEType,
		FileName: media.FileName,
		Caption:  report.Text,
	}
	switch media.Kind {
	case MediaKindPhoto:
		request.Kind = kiroku.OutboundMediaPhoto
	case MediaKindVoiceNote:
		request.Kind = kiroku.OutboundMediaVoice
		request.FileName = voiceFileName
	case MediaKindVideoNote:
		if err := f.sendText(ctx, target, report.Text); err != nil {
			return err
		}
		request.Kind = kiroku.OutboundMediaVideoNote
		request.FileName = videoNoteFileName
		request.Caption = ""
	default:
		request.Kind = kiroku.OutboundMediaDocument
	}

	if _, err := f.dispatcher.SendMedia(ctx, request); err != nil {
		return fmt.Errorf("send %s: %w", request.Kind, err)
	}

	return nil
}

func (f *Forwarder) sendText(ctx context.Context, target kiroku.OutboundTarget, text string) error {
	if _, err := f.dispatcher.SendText(ctx, kiroku.SendTextRequest{
		Target:             target,
		Text:               text,
		DisableLinkPreview: true,
	}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	return nil
}
