package telegram

import (
	"context"
	"errors"
	"strings"

	"kiroku/pkg/kiroku"

	"github.com/gotd/td/tgerr"
)

// mapTelegramOutboundError wraps err in a kiroku.OutboundError. Validation
// failures pass through untouched.
func mapTelegramOutboundError(
	operation kiroku.OutboundOperation,
	sink kiroku.EventSink,
	err error,
) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kiroku.ErrInvalidOutboundRequest) {
		return err
	}

	outboundErr := &kiroku.OutboundError{
		Operation: operation,
		Kind:      kiroku.OutboundErrorKindUnknown,
		Platform:  sink.Platform,
		SinkID:    sink.ID,
		Cause:     err,
	}
	if rpcErr, ok := tgerr.As(err); ok {
		outboundErr.Code = rpcErr.Code
		outboundErr.Type = rpcErr.Type
		outboundErr.Kind = classifyTelegramRPCError(rpcErr)
	}
	if retryAfter, ok := tgerr.AsFloodWait(err); ok {
		outboundErr.Kind = kiroku.OutboundErrorKindRateLimited
		outboundErr.RetryAfter = retryAfter
	}
	if outboundErr.Kind == kiroku.OutboundErrorKindUnknown && errors.Is(err, context.DeadlineExceeded) {
		outboundErr.Kind = kiroku.OutboundErrorKindTemporary
	}

	return outboundErr
}

func classifyTelegramRPCError(rpcErr *tgerr.Error) kiroku.OutboundErrorKind {
	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	switch {
	case rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD"):
		return kiroku.OutboundErrorKindRateLimited
	case rpcErr.Code == 303 || rpcErr.Code >= 500:
		return kiroku.OutboundErrorKindTemporary
	case rpcErr.Code >= 400 && rpcErr.Code < 500:
		return kiroku.OutboundErrorKindPermanent
	default:
		return kiroku.OutboundErrorKindUnknown
	}
}
