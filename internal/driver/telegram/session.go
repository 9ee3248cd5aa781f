package telegram

import (
	"context"
	"fmt"
)

// UpdateHandler consumes mapped Telegram updates.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Telegram updates into the driver.
type UpdateSource interface {
	// Consume runs the update loop until context cancellation or fatal error.
	Consume(ctx context.Context, handler UpdateHandler) error
}

// SessionClient runs fn inside one connected, authenticated MTProto session.
type SessionClient interface {
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// RawUpdateStream yields raw gotd updates while a session is active.
type RawUpdateStream interface {
	Updates(ctx context.Context) (<-chan any, error)
}

// UpdateMapper converts raw gotd updates. accepted is false for update classes
// the tracker does not consume.
type UpdateMapper interface {
	Map(ctx context.Context, raw any) (update Update, accepted bool, err error)
}

// SessionOption mutates SessionSource behavior.
type SessionOption func(*SessionSource)

// WithSkipHandler receives updates that failed to map. The session keeps
// running after each one.
func WithSkipHandler(handler func(context.Context, error)) SessionOption {
	return func(source *SessionSource) {
		if handler != nil {
			source.onSkip = handler
		}
	}
}

// SessionSource feeds mapped updates of a live userbot session to the driver.
type SessionSource struct {
	client SessionClient
	stream RawUpdateStream
	mapper UpdateMapper
	onSkip func(context.Context, error)
}

// NewSessionSource creates an update source bound to one gotd session.
func NewSessionSource(
	client SessionClient,
	stream RawUpdateStream,
	mapper UpdateMapper,
	options ...SessionOption,
) (*SessionSource, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("new session source: nil client")
	case stream == nil:
		return nil, fmt.Errorf("new session source: nil stream")
	case mapper == nil:
		return nil, fmt.Errorf("new session source: nil mapper")
	}

	source := &SessionSource{
		client: client,
		stream: stream,
		mapper: mapper,
		onSkip: func(context.Context, error) {},
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume runs the session and hands every accepted update to handler.
//
// Mapping failures are skipped. A handler error ends the session.
func (s *SessionSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume session updates: nil handler")
	}

	err := s.client.Run(ctx, func(runCtx context.Context) error {
		updates, err := s.stream.Updates(runCtx)
		if err != nil {
			return fmt.Errorf("open update stream: %w", err)
		}

		return s.pump(runCtx, updates, handler)
	})
	if err != nil {
		return fmt.Errorf("consume session updates: %w", err)
	}

	return nil
}

func (s *SessionSource) pump(ctx context.Context, updates <-chan any, handler UpdateHandler) error {
	for {
		var raw any
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			raw = next
		}

		update, accepted, err := s.mapRecovering(ctx, raw)
		if err != nil {
			s.onSkip(ctx, fmt.Errorf("skip %T: %w", raw, err))
			continue
		}
		if !accepted {
			continue
		}
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("handle %s update %s: %w", update.Type, update.ID, err)
		}
	}
}

func (s *SessionSource) mapRecovering(ctx context.Context, raw any) (update Update, accepted bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			update, accepted = Update{}, false
			err = fmt.Errorf("mapper panic: %v", recovered)
		}
	}()

	return s.mapper.Map(ctx, raw)
}
