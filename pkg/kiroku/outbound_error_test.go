package kiroku

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestOutboundErrorUnwrapAndMessage(t *testing.T) {
	t.Parallel()

	rootCause := errors.New("rpc failed")
	err := fmt.Errorf("deliver report: %w", &OutboundError{
		Operation: OutboundOperationSendMedia,
		Kind:      OutboundErrorKindTemporary,
		Platform:  PlatformTelegram,
		SinkID:    "tg-main",
		Code:      500,
		Type:      "INTERNAL",
		Cause:     rootCause,
	})

	outboundErr, ok := AsOutboundError(err)
	if !ok {
		t.Fatal("AsOutboundError = false, want true")
	}
	if outboundErr.Operation != OutboundOperationSendMedia {
		t.Fatalf("operation = %s, want %s", outboundErr.Operation, OutboundOperationSendMedia)
	}
	if !errors.Is(err, rootCause) {
		t.Fatalf("errors.Is(err, rootCause) = false (err=%v)", err)
	}
	for _, fragment := range []string{"operation=send_media", "kind=temporary", "code=500", "type=INTERNAL", "rpc failed"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error %q missing %q", err.Error(), fragment)
		}
	}
}

func TestOutboundErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantKind     OutboundErrorKind
		wantDuration time.Duration
		wantLimited  bool
	}{
		{
			name:     "plain error",
			err:      errors.New("plain"),
			wantKind: OutboundErrorKindUnknown,
		},
		{
			name: "permanent",
			err: &OutboundError{
				Operation: OutboundOperationSendText,
				Kind:      OutboundErrorKindPermanent,
				Cause:     errors.New("PEER_ID_INVALID"),
			},
			wantKind: OutboundErrorKindPermanent,
		},
		{
			name: "rate limited with retry after",
			err: fmt.Errorf("wrapped: %w", &OutboundError{
				Operation:  OutboundOperationSendText,
				Kind:       OutboundErrorKindRateLimited,
				RetryAfter: 7 * time.Second,
			}),
			wantKind:     OutboundErrorKindRateLimited,
			wantDuration: 7 * time.Second,
			wantLimited:  true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := OutboundErrorKindOf(testCase.err); got != testCase.wantKind {
				t.Fatalf("kind = %s, want %s", got, testCase.wantKind)
			}
			gotDuration, gotLimited := AsOutboundRateLimit(testCase.err)
			if gotLimited != testCase.wantLimited {
				t.Fatalf("rate limited = %v, want %v", gotLimited, testCase.wantLimited)
			}
			if gotDuration != testCase.wantDuration {
				t.Fatalf("retry after = %s, want %s", gotDuration, testCase.wantDuration)
			}
		})
	}
}

func TestSendMediaRequestValidate(t *testing.T) {
	t.Parallel()

	valid := SendMediaRequest{
		Kind:     OutboundMediaPhoto,
		Data:     []byte{1},
		FileName: "photo.jpg",
		Caption:  "caption",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	captionedNote := valid
	captionedNote.Kind = OutboundMediaVideoNote
	if err := captionedNote.Validate(); !errors.Is(err, ErrInvalidOutboundRequest) {
		t.Fatalf("captioned video note error = %v, want ErrInvalidOutboundRequest", err)
	}

	empty := valid
	empty.Data = nil
	if err := empty.Validate(); !errors.Is(err, ErrInvalidOutboundRequest) {
		t.Fatalf("empty media error = %v, want ErrInvalidOutboundRequest", err)
	}

	if err := (SendTextRequest{Target: SavedMessages()}).Validate(); !errors.Is(err, ErrInvalidOutboundRequest) {
		t.Fatalf("empty text error = %v, want ErrInvalidOutboundRequest", err)
	}
}
