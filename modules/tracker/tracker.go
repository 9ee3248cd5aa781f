package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"kiroku/pkg/kiroku"
)

const unknownSender = "Unknown"

// Dependencies are the collaborators a Tracker talks to. Only Dispatcher is
// mandatory; without Fetcher media is described but never re-sent, without
// Directory every sender is "Unknown", and without Archive nothing is
// filtered as archived.
type Dependencies struct {
	Dispatcher kiroku.SinkDispatcher
	Fetcher    kiroku.MediaFetcher
	Directory  kiroku.SenderDirectory
	Archive    kiroku.ArchiveLister
}

// Tracker caches recently observed messages and reports the unread ones that
// are deleted or meaningfully edited.
type Tracker struct {
	cfg       config
	logger    *slog.Logger
	deps      Dependencies
	forwarder *Forwarder
	metrics   *metrics

	mu      sync.Mutex
	cache   *Cache
	reads   *ReadPositions
	archive *ArchiveFilter
	closed  bool

	// queue holds report jobs; queueIdle is non-nil while a drain runs.
	queue     []func(ctx context.Context)
	queueIdle chan struct{}

	lifetime context.Context
	cancel   context.CancelFunc
	async    sync.WaitGroup
}

var _ kiroku.MessageConsumer = (*Tracker)(nil)

// NewTracker creates a tracker. Call Close to flush queued reports and stop
// background downloads.
func NewTracker(deps Dependencies, options ...Option) (*Tracker, error) {
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("new tracker: nil sink dispatcher")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("new tracker: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())

	return &Tracker{
		cfg:       cfg,
		logger:    logger,
		deps:      deps,
		forwarder: NewForwarder(deps.Dispatcher, cfg.target, logger),
		metrics:   metrics,
		cache:     NewCache(),
		reads:     NewReadPositions(),
		archive:   NewArchiveFilter(),
		lifetime:  lifetime,
		cancel:    cancel,
	}, nil
}

// CacheMessage snapshots the message carried by a message.created event.
// Other event kinds are ignored.
func (t *Tracker) CacheMessage(ctx context.Context, event *kiroku.Event) error {
	if event == nil || event.Kind != kiroku.EventKindMessageCreated {
		return nil
	}

	return kiroku.Consume(ctx, t, event)
}

// OnNewMessage caches message unless the account owner wrote it or its
// conversation is archived. Media is downloaded in the background and the
// sender name is resolved when a report is rendered.
func (t *Tracker) OnNewMessage(_ context.Context, peer kiroku.Peer, message kiroku.Message) error {
	if message.Outgoing {
		t.metrics.suppressed.WithLabelValues(suppressedOwn).Inc()
		return nil
	}

	snapshot := Snapshot{
		MessageID:        message.ID,
		Text:             message.Text,
		SentAt:           message.SentAt,
		CachedAt:         t.cfg.clock(),
		SenderID:         message.SenderID,
		Peer:             peer,
		ChatLabel:        peer.Label(),
		MediaDescription: DescribeAttachment(message.Attachment),
	}
	if peer.Kind == kiroku.PeerKindChannel {
		snapshot.ChannelID = peer.ID
	}
	class, hasMedia := t.classify(message.Attachment)

	t.mu.Lock()
	if t.archive.Contains(peer) {
		t.mu.Unlock()
		t.metrics.suppressed.WithLabelValues(suppressedArchived).Inc()
		return nil
	}
	slot := t.cache.store(snapshot)
	var media *mediaHold
	if hasMedia {
		media = newMediaHold()
		slot.media = media
	}
	t.metrics.cached.Set(float64(t.cache.Len()))
	t.mu.Unlock()

	if media != nil {
		t.startDownload("cache media", slot, media, peer, message.ID, class)
	}

	return nil
}

// OnEdit refreshes the cached snapshot and, when the message is unread and
// the edit is significant, queues an edit report. Comparison against the
// previous media waits for its download on the report queue, never here.
func (t *Tracker) OnEdit(_ context.Context, peer kiroku.Peer, message kiroku.Message) error {
	class, hasMedia := t.classify(message.Attachment)

	t.mu.Lock()
	slot, ok := t.cache.slot(KeyFor(peer, message.ID))
	if !ok {
		t.mu.Unlock()
		return nil
	}
	previous := slot.snapshot
	previousMedia := slot.media
	unread := t.reads.IsUnread(previous)
	archived := t.archive.Contains(previous.Peer)

	slot.snapshot.Text = message.Text
	slot.snapshot.Media = nil
	slot.snapshot.MediaDescription = DescribeAttachment(message.Attachment)
	slot.snapshot.CachedAt = t.cfg.clock()
	slot.media = nil
	if hasMedia {
		slot.media = newMediaHold()
	}
	media := slot.media
	t.mu.Unlock()

	switch {
	case !unread:
		t.metrics.suppressed.WithLabelValues(suppressedRead).Inc()
	case archived:
		t.metrics.suppressed.WithLabelValues(suppressedArchived).Inc()
	}
	if !unread || archived {
		if media != nil {
			t.startDownload("edit media", slot, media, peer, message.ID, class)
		}
		return nil
	}

	queued := t.enqueue(ReportKindEdited, message.ID, func(ctx context.Context) {
		if media != nil {
			t.download(ctx, slot, media, peer, message.ID, class)
		}
		previous.Media = t.awaitMedia(ctx, previousMedia)
		t.reportEdit(ctx, previous, message.Text, t.awaitMedia(ctx, media))
	})
	if !queued && media != nil {
		t.settle(slot, media, nil)
	}

	return nil
}

// OnDelete drops every listed message from the cache and queues a report for
// each one that was unread and not archived.
func (t *Tracker) OnDelete(_ context.Context, peer kiroku.Peer, messageIDs []int) error {
	for _, messageID := range messageIDs {
		t.mu.Lock()
		slot, ok := t.cache.slot(KeyFor(peer, messageID))
		if !ok {
			t.mu.Unlock()
			continue
		}
		cached := slot.snapshot
		media := slot.media
		t.cache.Remove(cached.Key())
		t.metrics.cached.Set(float64(t.cache.Len()))
		archived := t.archive.Contains(cached.Peer) || t.archive.Contains(peer)
		unread := t.reads.IsUnread(cached)
		t.mu.Unlock()

		switch {
		case archived:
			t.metrics.suppressed.WithLabelValues(suppressedArchived).Inc()
		case !unread:
			t.metrics.suppressed.WithLabelValues(suppressedRead).Inc()
		default:
			t.enqueue(ReportKindDeleted, messageID, func(ctx context.Context) {
				cached.Media = t.awaitMedia(ctx, media)
				cached.SenderName = t.senderName(ctx, cached.Peer, cached.SenderID)
				t.deliver(ctx, renderDeletion(cached))
			})
		}
	}

	return nil
}

// OnReadPosition records the inbox read marker of peer.
func (t *Tracker) OnReadPosition(_ context.Context, peer kiroku.Peer, maxID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reads.MarkRead(peer.Key(), maxID)

	return nil
}

// Lookup returns the cached snapshot stored under key.
func (t *Tracker) Lookup(key CacheKey) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cache.Get(key)
}

// Len returns the number of cached snapshots.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cache.Len()
}

// Sweep evicts snapshots older than the configured TTL and returns how many
// were evicted.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	evicted := t.cache.Sweep(now, t.cfg.ttl)
	remaining := t.cache.Len()
	t.metrics.cached.Set(float64(remaining))
	t.mu.Unlock()

	if evicted > 0 {
		t.metrics.evictions.Add(float64(evicted))
		t.logger.InfoContext(ctx,
			"tracker evicted expired entries",
			"evicted", evicted,
			"remaining", remaining,
		)
	}

	return evicted
}

// RefreshArchive reloads the archived set. A failed refresh keeps the
// previous set.
func (t *Tracker) RefreshArchive(ctx context.Context) error {
	if t.deps.Archive == nil {
		return nil
	}

	peers, err := t.deps.Archive.ListArchivedPeers(ctx)
	if err != nil {
		return fmt.Errorf("refresh archived peers: %w", err)
	}

	t.mu.Lock()
	t.archive.Replace(peers)
	count := t.archive.Len()
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "tracker refreshed archived peers", "count", count)

	return nil
}

// Flush waits until every queued report has been sent or has failed.
func (t *Tracker) Flush(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle := t.queueIdle
		t.mu.Unlock()
		if idle == nil {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("flush tracker reports: %w", ctx.Err())
		}
	}
}

// Close stops accepting reports, lets the queued ones finish while ctx
// allows, then cancels background downloads and waits for them to return.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	flushErr := t.Flush(ctx)
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.async.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close tracker: %w", ctx.Err())
	}
	if flushErr != nil {
		return fmt.Errorf("close tracker: %w", flushErr)
	}

	return nil
}

func (t *Tracker) classify(attachment *kiroku.Attachment) (mediaClass, bool) {
	class, hasMedia := classifyAttachment(attachment)
	if t.deps.Fetcher == nil {
		return class, false
	}

	return class, hasMedia
}

// senderName resolves the author display name. Private messages without an
// author are attributed to the conversation user.
func (t *Tracker) senderName(ctx context.Context, peer kiroku.Peer, senderID int64) string {
	if senderID == 0 && peer.Kind == kiroku.PeerKindUser {
		senderID = peer.ID
	}
	if senderID == 0 || t.deps.Directory == nil {
		return unknownSender
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.cfg.asyncTimeout)
	defer cancel()

	name, err := t.deps.Directory.DisplayName(lookupCtx, senderID)
	if err != nil || name == "" {
		t.logger.WarnContext(ctx, "tracker resolve sender name failed", "sender_id", senderID, "error", err)
		return unknownSender
	}

	return name
}

// fetchMedia downloads media bytes. Failures degrade to no snapshot.
func (t *Tracker) fetchMedia(ctx context.Context, peer kiroku.Peer, messageID int, class mediaClass) *MediaSnapshot {
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.asyncTimeout)
	defer cancel()

	data, err := t.deps.Fetcher.FetchMedia(fetchCtx, peer, messageID)
	if err == nil && len(data) == 0 {
		err = kiroku.ErrMediaUnavailable
	}
	if err != nil {
		t.metrics.mediaDownloads.WithLabelValues(outcomeFailed).Inc()
		level := slog.LevelWarn
		if errors.Is(err, kiroku.ErrMediaUnavailable) {
			level = slog.LevelDebug
		}
		t.logger.Log(ctx, level, "tracker media download failed",
			"peer", peer.String(),
			"message_id", messageID,
			"error", err,
		)
		return nil
	}
	t.metrics.mediaDownloads.WithLabelValues(outcomeOK).Inc()

	return &MediaSnapshot{
		Data:     data,
		Kind:     class.kind,
		MIMEType: class.mimeType,
		FileName: class.fileName,
	}
}

// startDownload fills hold in the background. A closed tracker settles hold
// empty right away.
func (t *Tracker) startDownload(scope string, slot *entry, hold *mediaHold, peer kiroku.Peer, messageID int, class mediaClass) {
	started := t.goAsync(scope, func(ctx context.Context) {
		t.download(ctx, slot, hold, peer, messageID, class)
	})
	if !started {
		t.settle(slot, hold, nil)
	}
}

func (t *Tracker) download(ctx context.Context, slot *entry, hold *mediaHold, peer kiroku.Peer, messageID int, class mediaClass) {
	var media *MediaSnapshot
	defer func() {
		t.settle(slot, hold, media)
	}()

	media = t.fetchMedia(ctx, peer, messageID, class)
}

// settle records the outcome of hold. The slot snapshot only takes the media
// while hold is still the slot's current download.
func (t *Tracker) settle(slot *entry, hold *mediaHold, media *MediaSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hold.snapshot = media
	if slot.media == hold {
		slot.snapshot.Media = media
	}
	close(hold.done)
}

// awaitMedia waits for hold to settle and returns its media. A download that
// does not settle in time counts as no media.
func (t *Tracker) awaitMedia(ctx context.Context, hold *mediaHold) *MediaSnapshot {
	if hold == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.asyncTimeout)
	defer cancel()

	select {
	case <-hold.done:
	case <-waitCtx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !hold.settled() {
		return nil
	}

	return hold.snapshot
}

func (t *Tracker) reportEdit(ctx context.Context, previous Snapshot, newText string, newMedia *MediaSnapshot) {
	change := detectChange(previous, newText, newMedia, t.cfg.minEditChars)
	if !change.Reportable() {
		if previous.Text != newText {
			t.metrics.suppressed.WithLabelValues(suppressedNoise).Inc()
		}
		return
	}

	previous.SenderName = t.senderName(ctx, previous.Peer, previous.SenderID)
	report, err := renderEdit(previous, newText, change)
	if err != nil {
		t.metrics.reports.WithLabelValues(string(ReportKindEdited), outcomeFailed).Inc()
		t.logger.ErrorContext(ctx, "tracker render edit failed", "message_id", previous.MessageID, "error", err)
		return
	}
	t.deliver(ctx, report)
}

// deliver assigns a report id and sends report. Delivery failures are
// logged and counted, never returned.
func (t *Tracker) deliver(ctx context.Context, report Report) {
	id, err := newReportID(t.cfg.clock())
	if err != nil {
		t.logger.WarnContext(ctx, "tracker report id unavailable", "error", err)
	}
	report.ID = id

	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.asyncTimeout)
	defer cancel()

	if err := t.forwarder.Deliver(sendCtx, report); err != nil {
		t.metrics.reports.WithLabelValues(string(report.Kind), outcomeFailed).Inc()
		t.logger.ErrorContext(ctx,
			"tracker report delivery failed",
			"report_id", report.ID,
			"kind", report.Kind,
			"message_id", report.MessageID,
			"error", err,
		)
		return
	}

	t.metrics.reports.WithLabelValues(string(report.Kind), outcomeSent).Inc()
	t.logger.InfoContext(ctx,
		"tracker report forwarded",
		"report_id", report.ID,
		"kind", report.Kind,
		"message_id", report.MessageID,
		"sender", report.SenderName,
		"chat", report.ChatLabel,
	)
}

// enqueue appends job to the report queue. Jobs run one at a time in arrival
// order on a drain goroutine that exits once the queue is empty. A full
// queue or a closed tracker drops the report.
func (t *Tracker) enqueue(kind ReportKind, messageID int, job func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed || len(t.queue) >= t.cfg.queueLimit {
		closed := t.closed
		t.mu.Unlock()

		t.metrics.reports.WithLabelValues(string(kind), outcomeDropped).Inc()
		t.logger.Warn("tracker report dropped",
			"kind", kind,
			"message_id", messageID,
			"closed", closed,
		)
		return false
	}

	t.queue = append(t.queue, job)
	if t.queueIdle != nil {
		t.mu.Unlock()
		return true
	}
	t.queueIdle = make(chan struct{})
	t.async.Add(1)
	t.mu.Unlock()

	go t.drain()

	return true
}

func (t *Tracker) drain() {
	defer t.async.Done()

	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			close(t.queueIdle)
			t.queueIdle = nil
			t.mu.Unlock()
			return
		}
		job := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.runGuarded("report queue", job)
	}
}

// goAsync runs fn on a tracked goroutine bound to the tracker lifetime. It
// returns false once the tracker is closed.
func (t *Tracker) goAsync(scope string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.async.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.async.Done()
		t.runGuarded(scope, fn)
	}()

	return true
}

func (t *Tracker) runGuarded(scope string, fn func(ctx context.Context)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("tracker async panic",
				"scope", scope,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()

	fn(t.lifetime)
}
