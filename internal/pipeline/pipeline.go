// Package pipeline is the top-level coordinator for inbound messages: it
// normalizes the raw event, serializes work per user, consults the session
// manager, classifies, extracts entities, resolves tags, persists the record
// and composes the acknowledgment. The one load-bearing rule throughout is
// that user input is never silently lost: every failure that can degrade to
// "save it as a note" does.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/jotbot/internal/classify"
	"github.com/user/jotbot/internal/extract"
	"github.com/user/jotbot/internal/message"
	"github.com/user/jotbot/internal/session"
	"github.com/user/jotbot/internal/tags"
	"github.com/user/jotbot/internal/types"
)

// DefaultCapabilityTimeout bounds each AI capability call.
const DefaultCapabilityTimeout = 10 * time.Second

// Pipeline wires the intake components together. Create with New, then
// Start before handling events.
type Pipeline struct {
	store       types.Store
	classifier  *classify.Classifier
	sessions    *session.Manager
	transcriber types.Transcriber
	lanes       *Lanes
	dedup       *Deduper
	retry       *RetryPolicy

	capTimeout time.Duration
	maxTags    int
	onTimeout  func(*types.Session)
}

// Option configures optional pipeline behavior.
type Option func(*Pipeline)

// WithTranscriber installs the media transcription capability.
func WithTranscriber(t types.Transcriber) Option {
	return func(p *Pipeline) { p.transcriber = t }
}

// WithDedupWindow overrides the idempotency window.
func WithDedupWindow(window time.Duration) Option {
	return func(p *Pipeline) { p.dedup = NewDeduper(window) }
}

// WithCapabilityTimeout overrides the AI call timeout.
func WithCapabilityTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.capTimeout = d
		}
	}
}

// WithMaxTags overrides the resolved tag cap.
func WithMaxTags(n int) Option {
	return func(p *Pipeline) { p.maxTags = n }
}

// WithTimeoutNotifier installs a callback fired when the sweep times out a
// session, so the channel adapter can tell the user.
func WithTimeoutNotifier(fn func(*types.Session)) Option {
	return func(p *Pipeline) { p.onTimeout = fn }
}

// New creates a Pipeline with the given collaborators and concurrency limit.
func New(store types.Store, classifier *classify.Classifier, sessions *session.Manager, maxConcurrent int64, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		classifier: classifier,
		sessions:   sessions,
		lanes:      NewLanes(maxConcurrent),
		dedup:      NewDeduper(DefaultDedupWindow),
		retry:      DefaultRetryPolicy(),
		capTimeout: DefaultCapabilityTimeout,
		maxTags:    tags.DefaultMax,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lanes.SetProcessor(p.process)
	return p
}

// SetTranscriber installs the media transcription capability after
// construction. The channel adapter usually owns it and is built later.
func (p *Pipeline) SetTranscriber(t types.Transcriber) {
	p.transcriber = t
}

// Start initialises the lanes. Must be called before Handle.
func (p *Pipeline) Start(ctx context.Context) {
	p.lanes.Start(ctx)
}

// Stop drains the lanes and waits for in-flight work.
func (p *Pipeline) Stop() {
	p.lanes.Stop()
}

// Handle normalizes a raw inbound event and enqueues it on the user's lane.
// onDone receives the outcome once processing finishes. A MalformedEventError
// is returned synchronously and nothing is enqueued or persisted.
func (p *Pipeline) Handle(ctx context.Context, event *types.RawEvent, onDone func(*Outcome, error)) error {
	extraTags := p.attachTranscript(ctx, event)

	msg, err := message.Build(event)
	if err != nil {
		return err
	}

	job := NewMessageJob(msg, extraTags)
	job.OnDone = onDone
	return p.lanes.Enqueue(job)
}

// HandleWait is a synchronous Handle for callers that need the outcome
// inline (the webhook endpoint, tests).
func (p *Pipeline) HandleWait(ctx context.Context, event *types.RawEvent) (*Outcome, error) {
	type result struct {
		outcome *Outcome
		err     error
	}
	done := make(chan result, 1)
	if err := p.Handle(ctx, event, func(o *Outcome, err error) {
		done <- result{o, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SweepSessions enqueues an expiry check on every lane that has an active
// session and prunes the dedup window. Driven by the scheduler; running the
// check on the lane keeps it serialized with message handling.
func (p *Pipeline) SweepSessions() {
	p.dedup.Prune()
	for _, user := range p.sessions.ActiveUsers() {
		if err := p.lanes.Enqueue(NewSweepJob(user)); err != nil {
			slog.Warn("sweep enqueue failed", "user_key", string(user), "error", err)
		}
	}
}

// WaitIdle blocks until no jobs are in flight or the timeout expires.
func (p *Pipeline) WaitIdle(timeout time.Duration) bool {
	return p.lanes.WaitIdle(timeout)
}

// process dispatches one dequeued job. Runs on the user's lane goroutine.
func (p *Pipeline) process(job *Job) error {
	switch job.Kind {
	case JobSweep:
		p.processSweep(job)
		return nil
	default:
		outcome, err := p.processMessage(job)
		if job.OnDone != nil {
			job.OnDone(outcome, err)
		}
		return err
	}
}

func (p *Pipeline) processSweep(job *Job) {
	if sess, ok := p.sessions.ExpireIfIdle(job.UserKey); ok {
		if p.onTimeout != nil {
			p.onTimeout(sess)
		}
	}
}

// processMessage runs the full pipeline for one canonical message.
func (p *Pipeline) processMessage(job *Job) (*Outcome, error) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	msg := job.Msg
	user := msg.UserKey

	// Idempotent replay: at-least-once upstream delivery means the same
	// channel message id may arrive again inside the window.
	if prior, ok := p.dedup.Lookup(user, msg.ChannelMessageID); ok {
		slog.Info("duplicate delivery short-circuited",
			"user_key", string(user), "channel_message_id", msg.ChannelMessageID)
		return duplicateOf(prior), nil
	}

	outcome, err := p.execute(ctx, job)
	if err != nil {
		// Hard failure after normalization: best effort to keep the
		// user's words before surfacing the error.
		slog.Error("pipeline failed, attempting raw note rescue",
			"user_key", string(user), "channel_message_id", msg.ChannelMessageID, "error", err)
		if rescued := p.rescueRawNote(msg, job.ExtraTags, err); rescued != nil {
			outcome = rescued
			err = nil
		} else {
			outcome = &Outcome{Status: StatusFailed, Kind: ResultNote, Failure: err.Error()}
		}
	}

	// A hard failure persisted nothing; leaving the window open lets the
	// upstream at-least-once redelivery retry instead of short-circuiting.
	if outcome.Status != StatusFailed {
		p.dedup.Remember(user, msg.ChannelMessageID, outcome)
	}
	return outcome, err
}

func (p *Pipeline) execute(ctx context.Context, job *Job) (*Outcome, error) {
	msg := job.Msg
	user := msg.UserKey
	content := strings.TrimSpace(msg.Content)

	isCmd := classify.IsCommand(content)
	cmd := strings.ToLower(firstWord(content))
	isControl := cmd == "/end" || cmd == "/done" || cmd == "/cancel"

	// Session grammar first. Non-control commands bypass the session so
	// /help during a dump is not captured as a note.
	var dec session.Decision
	if !isCmd || isControl {
		dec = p.sessions.OnMessage(user, msg)
	}

	switch dec.Kind {
	case session.StartedSession:
		p.saveSessionSnapshot(ctx, dec.Session)
		return &Outcome{
			Status:  StatusSuccess,
			Kind:    ResultSessionStarted,
			Session: dec.Session,
			Tags:    dec.Session.Tags,
		}, nil

	case session.EndedSession:
		return &Outcome{
			Status:  StatusSuccess,
			Kind:    ResultSessionEnded,
			Session: dec.Session,
		}, nil
	}

	if isCmd {
		reply, ok := p.queryReply(ctx, user, cmd)
		if !ok {
			reply = commandReply(cmd, isControl)
		}
		return &Outcome{
			Status: StatusSuccess,
			Kind:   ResultCommand,
			Intent: types.IntentCommand,
			Reply:  reply,
		}, nil
	}

	// Tag history feeds both the classifier prompt and the resolver.
	// Failure to load it is not worth failing the message over.
	history, histErr := p.store.TagHistory(ctx, user)
	if histErr != nil {
		slog.Warn("tag history unavailable", "user_key", string(user), "error", histErr)
		history = nil
	}

	var cls *types.Classification
	if dec.Kind == session.ContinuingSession {
		cls = &types.Classification{Intent: types.IntentBrainDump, Confidence: 1.0}
	} else {
		cctx, cancel := context.WithTimeout(ctx, p.capTimeout)
		cls = p.classifier.Classify(cctx, msg, history)
		cancel()
	}

	record := &types.Record{
		ID:               types.NewRecordID(),
		UserKey:          user,
		Content:          msg.Content,
		Source:           msg.Source,
		Intent:           cls.Intent,
		Confidence:       cls.Confidence,
		ChannelMessageID: msg.ChannelMessageID,
		CreatedAt:        msg.ReceivedAt,
	}

	status := StatusSuccess
	kind := ResultNote

	switch cls.Intent {
	case types.IntentReminder:
		entity, err := extract.Reminder(content, msg.ReceivedAt)
		if err != nil {
			// Non-fatal: keep the words, note the miss for later correction.
			record.Intent = types.IntentNote
			record.Failure = err.Error()
			status = StatusPartial
		} else {
			record.Reminder = entity
			kind = ResultReminder
		}

	case types.IntentBirthday:
		entity, err := extract.Birthday(content)
		if err != nil {
			record.Intent = types.IntentNote
			record.Failure = err.Error()
			status = StatusPartial
		} else {
			record.Birthday = entity
			kind = ResultBirthday
		}

	case types.IntentBrainDump:
		if dec.Kind != session.ContinuingSession {
			// Tag-only shape outside a session start is just a note.
			record.Intent = types.IntentNote
		} else {
			kind = ResultSessionContinued
		}

	case types.IntentCommand:
		// Classifier disagreement with the command recognizer; treat as note.
		record.Intent = types.IntentNote
	}

	var sessionTags []string
	if dec.Kind == session.ContinuingSession {
		sessionTags = dec.Session.Tags
		record.SessionID = dec.Session.ID
	}
	record.Tags = tags.Resolve(
		append(tags.ExtractHashtags(content), job.ExtraTags...),
		sessionTags, cls.SuggestedTags, history, p.maxTags)

	if err := p.persist(ctx, record); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	if dec.Kind == session.ContinuingSession {
		p.saveSessionSnapshot(ctx, dec.Session)
	}

	outcome := &Outcome{
		Status:     status,
		Kind:       kind,
		RecordID:   record.ID,
		Intent:     record.Intent,
		Confidence: record.Confidence,
		Tags:       record.Tags,
		Reminder:   record.Reminder,
		Birthday:   record.Birthday,
		Session:    dec.Session,
		Failure:    record.Failure,
	}
	if len(record.Tags) == 0 {
		outcome.SuggestTags = tags.TopHistorical(history, 3)
	}
	return outcome, nil
}

// persist drives the store write to completion regardless of upstream
// cancellation: once dispatch is decided, the write is not rolled back.
func (p *Pipeline) persist(ctx context.Context, record *types.Record) error {
	wctx := context.WithoutCancel(ctx)
	return p.retry.Execute(func() error {
		_, err := p.store.SaveRecord(wctx, record)
		return err
	})
}

// saveSessionSnapshot upserts the session row so listings reflect the live
// state. Terminal transitions are archived through the manager's close hook;
// this covers start and activity updates. Best effort.
func (p *Pipeline) saveSessionSnapshot(ctx context.Context, sess *types.Session) {
	if sess == nil {
		return
	}
	if err := p.store.SaveSession(context.WithoutCancel(ctx), sess); err != nil {
		slog.Warn("session snapshot save failed",
			"session_id", string(sess.ID), "error", err)
	}
}

// rescueRawNote saves the message as an untyped note after a hard failure.
// Returns nil when even the rescue write fails.
func (p *Pipeline) rescueRawNote(msg *types.CanonicalMessage, extraTags []string, cause error) *Outcome {
	record := &types.Record{
		ID:               types.NewRecordID(),
		UserKey:          msg.UserKey,
		Content:          msg.Content,
		Source:           msg.Source,
		Intent:           types.IntentNote,
		Tags:             tags.Resolve(append(tags.ExtractHashtags(msg.Content), extraTags...), nil, nil, nil, tags.DefaultMax),
		ChannelMessageID: msg.ChannelMessageID,
		Failure:          cause.Error(),
		CreatedAt:        msg.ReceivedAt,
	}
	if _, err := p.store.SaveRecord(context.Background(), record); err != nil {
		slog.Error("raw note rescue failed",
			"user_key", string(msg.UserKey), "error", err)
		return nil
	}
	return &Outcome{
		Status:   StatusPartial,
		Kind:     ResultNote,
		RecordID: record.ID,
		Intent:   types.IntentNote,
		Tags:     record.Tags,
		Failure:  cause.Error(),
	}
}

// attachTranscript fills audio content through the transcription capability.
// A failed transcription yields an empty-content message tagged
// transcription-failed; the message is still persisted, never dropped.
func (p *Pipeline) attachTranscript(ctx context.Context, event *types.RawEvent) []string {
	if p.transcriber == nil || event == nil || event.MediaRef == "" {
		return nil
	}
	if event.Content != "" {
		return nil
	}
	kind := strings.ToLower(event.Source)
	if kind != "audio" && kind != "voice" {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, p.capTimeout)
	defer cancel()
	text, err := p.transcriber.Transcribe(tctx, event.MediaRef)
	if err != nil {
		slog.Warn("transcription failed",
			"user_key", event.UserKey, "media_ref", event.MediaRef, "error", err)
		return []string{"transcription-failed"}
	}
	event.Content = text
	return nil
}

// queryReply serves the read-only commands over the store. Returns false for
// commands it does not own.
func (p *Pipeline) queryReply(ctx context.Context, user types.UserKey, cmd string) (string, bool) {
	switch cmd {
	case "/notes":
		records, err := p.store.ListRecords(ctx, user, 5)
		if err != nil {
			slog.Warn("notes query failed", "user_key", string(user), "error", err)
			return "I couldn't load your notes right now. Try again in a moment.", true
		}
		if len(records) == 0 {
			return "No notes yet. Send me anything and I'll save it.", true
		}
		var sb strings.Builder
		sb.WriteString("📝 Your recent notes:")
		for _, rec := range records {
			sb.WriteString("\n• ")
			sb.WriteString(clip(rec.Content, 80))
			if len(rec.Tags) > 0 {
				sb.WriteString(" (")
				sb.WriteString(hashTags(rec.Tags))
				sb.WriteString(")")
			}
		}
		return sb.String(), true

	case "/reminders":
		pending, err := p.store.PendingReminders(ctx, user)
		if err != nil {
			slog.Warn("reminders query failed", "user_key", string(user), "error", err)
			return "I couldn't load your reminders right now. Try again in a moment.", true
		}
		if len(pending) == 0 {
			return "No pending reminders.", true
		}
		var sb strings.Builder
		sb.WriteString("⏰ Your pending reminders:")
		for _, rem := range pending {
			sb.WriteString(fmt.Sprintf("\n• %s — %s", rem.Title,
				rem.TriggerAt.Format("January 2, 2006 at 3:04 PM")))
			if rem.Recurrence != types.RecurNone {
				sb.WriteString(fmt.Sprintf(" (repeating %s)", rem.Recurrence))
			}
		}
		return sb.String(), true

	case "/tags":
		history, err := p.store.TagHistory(ctx, user)
		if err != nil {
			slog.Warn("tags query failed", "user_key", string(user), "error", err)
			return "I couldn't load your tags right now. Try again in a moment.", true
		}
		if len(history) == 0 {
			return "No tags yet. Add #hashtags to your notes to build them up.", true
		}
		var sb strings.Builder
		sb.WriteString("🏷 Your tags:")
		for _, tag := range tags.TopHistorical(history, 10) {
			sb.WriteString(fmt.Sprintf("\n• #%s (%d)", tag, history[tag]))
		}
		return sb.String(), true
	}
	return "", false
}

func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func commandReply(cmd string, isControl bool) string {
	if isControl {
		// Control command with no active session to act on.
		return "There's no active brain dump session. Start one by sending only tags, like: #work #ideas"
	}
	switch cmd {
	case "/start":
		return "Hello! Send me anything and I'll save it. Try:\n• a note: \"great article about sourdough #baking\"\n• a reminder: \"remind me to call John tomorrow at 2pm\"\n• a birthday: \"Sarah's birthday is March 15\"\n• a brain dump: send only tags like \"#work #ideas\" to start a session"
	case "/help":
		return "I understand notes, reminders, birthdays and brain dump sessions.\n\n/start - intro\n/help - this message\n/notes - your recent notes\n/reminders - your pending reminders\n/tags - your most used tags\n/end - finish the current brain dump\n/cancel - discard the current brain dump"
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", cmd)
	}
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i]
	}
	return s
}
