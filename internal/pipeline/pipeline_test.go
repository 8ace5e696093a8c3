package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/user/jotbot/internal/classify"
	"github.com/user/jotbot/internal/session"
	"github.com/user/jotbot/internal/store/memory"
	"github.com/user/jotbot/internal/types"
	"github.com/user/jotbot/pkg/llm"
)

// fakeProvider returns a canned completion with an optional delay.
type fakeProvider struct {
	mu      sync.Mutex
	content string
	err     error
	delay   time.Duration
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	f.mu.Lock()
	content, err, delay := f.content, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: content}, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	return f.text, f.err
}

const noteJSON = `{"intent":"note","confidence":0.9,"rationale":"","suggested_tags":[]}`

func newTestPipeline(t *testing.T, provider llm.Provider, window time.Duration, opts ...Option) (*Pipeline, *memory.Store, *session.Manager) {
	t.Helper()
	prompter, err := classify.NewPrompter("gpt-4", 4096)
	if err != nil {
		t.Fatalf("create prompter: %v", err)
	}
	store := memory.New()
	sessions := session.NewManager(window, nil)
	pipe := New(store, classify.New(provider, prompter), sessions, 4, opts...)
	// Fast retries so degradation tests stay quick.
	pipe.retry = &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)
	return pipe, store, sessions
}

func rawEvent(user, content, messageID string) *types.RawEvent {
	return &types.RawEvent{
		UserKey:   user,
		Content:   content,
		Source:    "text",
		MessageID: messageID,
		Timestamp: time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC),
	}
}

func TestPipelineNoteFlow(t *testing.T) {
	provider := &fakeProvider{content: `{"intent":"note","confidence":0.9,"suggested_tags":["reading"]}`}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "great article about sourdough #baking", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultNote || out.Status != StatusSuccess {
		t.Errorf("outcome = %s/%s", out.Kind, out.Status)
	}
	if out.Intent != types.IntentNote {
		t.Errorf("intent = %q", out.Intent)
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Content != "great article about sourdough #baking" {
		t.Errorf("content = %q", rec.Content)
	}
	// Explicit hashtag ranks before the AI suggestion.
	if len(rec.Tags) < 2 || rec.Tags[0] != "baking" || rec.Tags[1] != "reading" {
		t.Errorf("tags = %v", rec.Tags)
	}
}

func TestPipelineReminderFlow(t *testing.T) {
	provider := &fakeProvider{content: `{"intent":"reminder","confidence":0.95}`}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "remind me to call John on Friday at 2pm", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultReminder || out.Status != StatusSuccess {
		t.Fatalf("outcome = %s/%s failure=%q", out.Kind, out.Status, out.Failure)
	}
	want := time.Date(2025, time.March, 14, 14, 0, 0, 0, time.UTC)
	if !out.Reminder.TriggerAt.Equal(want) {
		t.Errorf("trigger = %v, want %v", out.Reminder.TriggerAt, want)
	}

	due, err := store.DueReminders(context.Background(), want.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Title != "call John" {
		t.Errorf("due = %+v", due)
	}
}

func TestPipelineExtractionFailureDegradesToNote(t *testing.T) {
	provider := &fakeProvider{content: `{"intent":"reminder","confidence":0.9}`}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "remind me about the thing sometime", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPartial {
		t.Errorf("status = %s, want partial", out.Status)
	}
	if out.Kind != ResultNote || out.Intent != types.IntentNote {
		t.Errorf("degraded outcome = %s/%s", out.Kind, out.Intent)
	}
	if out.Failure == "" {
		t.Error("failure reason missing")
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1; degradation must not drop the message", len(records))
	}
	if records[0].Content != "remind me about the thing sometime" {
		t.Errorf("content = %q, original words lost", records[0].Content)
	}
}

func TestPipelineAIFailureNeverLosesData(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "random thought worth keeping", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccess || out.Kind != ResultNote {
		t.Errorf("outcome = %s/%s", out.Kind, out.Status)
	}
	if out.Confidence != classify.FallbackConfidence {
		t.Errorf("confidence = %v, want fallback constant", out.Confidence)
	}
	if len(store.Records()) != 1 {
		t.Fatal("message lost on AI failure")
	}
}

func TestPipelineIdempotentReplay(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	first, err := pipe.HandleWait(context.Background(), rawEvent("u1", "a note", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := pipe.HandleWait(context.Background(), rawEvent("u1", "a note", "m-1"))
	if err != nil {
		t.Fatal(err)
	}

	if !second.Duplicate {
		t.Error("replay not marked duplicate")
	}
	if second.RecordID != first.RecordID {
		t.Errorf("replay record id = %s, want %s", second.RecordID, first.RecordID)
	}
	if len(store.Records()) != 1 {
		t.Errorf("records = %d, want 1", len(store.Records()))
	}
}

func TestPipelineSessionLifecycle(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, sessions := newTestPipeline(t, provider, time.Minute)
	ctx := context.Background()

	started, err := pipe.HandleWait(ctx, rawEvent("u1", "#work #ideas", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if started.Kind != ResultSessionStarted {
		t.Fatalf("kind = %s", started.Kind)
	}

	continued, err := pipe.HandleWait(ctx, rawEvent("u1", "shipping thought", "m-2"))
	if err != nil {
		t.Fatal(err)
	}
	if continued.Kind != ResultSessionContinued {
		t.Fatalf("kind = %s", continued.Kind)
	}
	if continued.Intent != types.IntentBrainDump {
		t.Errorf("intent = %q", continued.Intent)
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (session start is not a record)", len(records))
	}
	rec := records[0]
	if rec.SessionID != started.Session.ID {
		t.Errorf("record session id = %s, want %s", rec.SessionID, started.Session.ID)
	}
	if len(rec.Tags) < 2 || rec.Tags[0] != "work" || rec.Tags[1] != "ideas" {
		t.Errorf("session tags not inherited: %v", rec.Tags)
	}

	ended, err := pipe.HandleWait(ctx, rawEvent("u1", "/end", "m-3"))
	if err != nil {
		t.Fatal(err)
	}
	if ended.Kind != ResultSessionEnded {
		t.Fatalf("kind = %s", ended.Kind)
	}
	if ended.Session.Status != types.SessionCompleted {
		t.Errorf("status = %q", ended.Session.Status)
	}
	if _, active := sessions.Active("u1"); active {
		t.Error("session still active after /end")
	}

	saved, err := store.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 {
		t.Errorf("stored sessions = %d, want 1", len(saved))
	}
}

func TestPipelineCommands(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "/help", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultCommand || out.Reply == "" {
		t.Errorf("outcome = %s reply=%q", out.Kind, out.Reply)
	}
	if len(store.Records()) != 0 {
		t.Error("command persisted as record")
	}

	// Control command with no session gets a helpful reply, not a note.
	out, err = pipe.HandleWait(context.Background(), rawEvent("u1", "/end", "m-2"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultCommand {
		t.Errorf("kind = %s", out.Kind)
	}
}

func TestPipelineCommandBypassesSession(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, sessions := newTestPipeline(t, provider, time.Minute)
	ctx := context.Background()

	if _, err := pipe.HandleWait(ctx, rawEvent("u1", "#work", "m-1")); err != nil {
		t.Fatal(err)
	}
	out, err := pipe.HandleWait(ctx, rawEvent("u1", "/help", "m-2"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultCommand {
		t.Errorf("kind = %s, want command", out.Kind)
	}
	if _, active := sessions.Active("u1"); !active {
		t.Error("/help closed the session")
	}
	if len(store.Records()) != 0 {
		t.Error("/help captured as session note")
	}
}

func TestPipelineStoreFailureRescue(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	// Persist retries all fail; the rescue write succeeds.
	store.FailSaves = 3
	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "precious words #keep", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPartial {
		t.Errorf("status = %s, want partial", out.Status)
	}
	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want rescued note", len(records))
	}
	if records[0].Content != "precious words #keep" {
		t.Errorf("content = %q", records[0].Content)
	}
	if records[0].Failure == "" {
		t.Error("rescue record missing failure reason")
	}
}

func TestPipelineStoreFailureHard(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	store.FailSaves = 10
	out, err := pipe.HandleWait(context.Background(), rawEvent("u1", "words", "m-1"))
	if err == nil {
		t.Fatal("expected error when rescue also fails")
	}
	if out == nil || out.Status != StatusFailed {
		t.Errorf("outcome = %+v, want failed status", out)
	}
}

func TestPipelineReplayAfterHardFailureRecovers(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)
	ctx := context.Background()

	store.FailSaves = 10
	out, err := pipe.HandleWait(ctx, rawEvent("u1", "precious words", "m-1"))
	if err == nil {
		t.Fatal("expected hard failure while the store is down")
	}
	if out == nil || out.Status != StatusFailed {
		t.Fatalf("outcome = %+v", out)
	}

	// The store recovers. The upstream at-least-once redelivery of the same
	// message id is the recovery path and must not be treated as a replay
	// of a result that never existed.
	store.FailSaves = 0
	out, err = pipe.HandleWait(ctx, rawEvent("u1", "precious words", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Duplicate {
		t.Error("redelivery after hard failure short-circuited as duplicate")
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
	records := store.Records()
	if len(records) != 1 || records[0].Content != "precious words" {
		t.Fatalf("records = %+v, message lost", records)
	}

	// A third delivery now is a true replay of a persisted result.
	out, err = pipe.HandleWait(ctx, rawEvent("u1", "precious words", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Error("replay of persisted result not deduplicated")
	}
	if len(store.Records()) != 1 {
		t.Errorf("records = %d, want 1", len(store.Records()))
	}
}

func TestPipelineQueryCommands(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, _, _ := newTestPipeline(t, provider, time.Minute)
	ctx := context.Background()

	// Empty state first.
	out, err := pipe.HandleWait(ctx, rawEvent("u1", "/notes", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultCommand || !strings.Contains(out.Reply, "No notes yet") {
		t.Errorf("empty /notes reply = %q", out.Reply)
	}

	if _, err := pipe.HandleWait(ctx, rawEvent("u1", "pick up groceries #errands", "m-2")); err != nil {
		t.Fatal(err)
	}
	if _, err := pipe.HandleWait(ctx, rawEvent("u1", "call the plumber #home", "m-3")); err != nil {
		t.Fatal(err)
	}

	out, err = pipe.HandleWait(ctx, rawEvent("u1", "/notes", "m-4"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Reply, "pick up groceries") || !strings.Contains(out.Reply, "#home") {
		t.Errorf("/notes reply = %q", out.Reply)
	}

	out, err = pipe.HandleWait(ctx, rawEvent("u1", "/tags", "m-5"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Reply, "#errands (1)") || !strings.Contains(out.Reply, "#home (1)") {
		t.Errorf("/tags reply = %q", out.Reply)
	}

	// Another user's data stays invisible.
	out, err = pipe.HandleWait(ctx, rawEvent("u2", "/notes", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Reply, "No notes yet") {
		t.Errorf("cross-user /notes reply = %q", out.Reply)
	}
}

func TestPipelineRemindersQuery(t *testing.T) {
	provider := &fakeProvider{content: `{"intent":"reminder","confidence":0.95}`}
	pipe, _, _ := newTestPipeline(t, provider, time.Minute)
	ctx := context.Background()

	if _, err := pipe.HandleWait(ctx, rawEvent("u1", "remind me to call John on Friday at 2pm", "m-1")); err != nil {
		t.Fatal(err)
	}

	out, err := pipe.HandleWait(ctx, rawEvent("u1", "/reminders", "m-2"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ResultCommand {
		t.Fatalf("kind = %s", out.Kind)
	}
	if !strings.Contains(out.Reply, "call John") ||
		!strings.Contains(out.Reply, "March 14, 2025 at 2:00 PM") {
		t.Errorf("/reminders reply = %q", out.Reply)
	}

	out, err = pipe.HandleWait(ctx, rawEvent("u2", "/reminders", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Reply, "No pending reminders") {
		t.Errorf("cross-user /reminders reply = %q", out.Reply)
	}
}

func TestPipelineMalformedRejected(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute)

	err := pipe.Handle(context.Background(), &types.RawEvent{Content: "no user"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var malformed *types.MalformedEventError
	if !errors.As(err, &malformed) {
		t.Errorf("error type = %T", err)
	}
	pipe.WaitIdle(time.Second)
	if len(store.Records()) != 0 {
		t.Error("malformed event persisted")
	}
}

func TestPipelineTranscription(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute,
		WithTranscriber(&fakeTranscriber{text: "remember to buy milk"}))

	event := &types.RawEvent{
		UserKey:   "u1",
		Source:    "voice",
		MessageID: "m-1",
		MediaRef:  "file-1",
		Timestamp: time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC),
	}
	out, err := pipe.HandleWait(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
	records := store.Records()
	if len(records) != 1 || records[0].Content != "remember to buy milk" {
		t.Errorf("records = %+v", records)
	}
	if records[0].Source != types.SourceAudio {
		t.Errorf("source = %q", records[0].Source)
	}
}

func TestPipelineTranscriptionFailureKeepsMessage(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}
	pipe, store, _ := newTestPipeline(t, provider, time.Minute,
		WithTranscriber(&fakeTranscriber{err: errors.New("backend down")}))

	event := &types.RawEvent{
		UserKey:   "u1",
		Source:    "voice",
		MessageID: "m-1",
		MediaRef:  "file-1",
	}
	out, err := pipe.HandleWait(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
	records := store.Records()
	if len(records) != 1 {
		t.Fatal("voice message dropped on transcription failure")
	}
	found := false
	for _, tag := range records[0].Tags {
		if tag == "transcription-failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("tags = %v, want transcription-failed marker", records[0].Tags)
	}
}

func TestPipelineSweepTimesOutSessions(t *testing.T) {
	provider := &fakeProvider{content: noteJSON}

	var mu sync.Mutex
	var timedOut []*types.Session
	pipe, _, sessions := newTestPipeline(t, provider, 20*time.Millisecond,
		WithTimeoutNotifier(func(sess *types.Session) {
			mu.Lock()
			timedOut = append(timedOut, sess)
			mu.Unlock()
		}))

	if _, err := pipe.HandleWait(context.Background(), rawEvent("u1", "#work", "m-1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	pipe.SweepSessions()
	if !pipe.WaitIdle(2 * time.Second) {
		t.Fatal("sweep did not finish")
	}

	if _, active := sessions.Active("u1"); active {
		t.Error("idle session survived sweep")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(timedOut) != 1 {
		t.Fatalf("timeout notifications = %d, want 1", len(timedOut))
	}
	if timedOut[0].Status != types.SessionTimedOut {
		t.Errorf("status = %q", timedOut[0].Status)
	}
}

func TestPipelinePerUserOrderingUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := &fakeProvider{content: noteJSON, delay: 2 * time.Millisecond}
	prompter, err := classify.NewPrompter("gpt-4", 4096)
	if err != nil {
		t.Fatal(err)
	}
	store := memory.New()
	sessions := session.NewManager(time.Minute, nil)
	pipe := New(store, classify.New(provider, prompter), sessions, 4)
	pipe.Start(context.Background())

	const perUser = 10
	users := []string{"u1", "u2", "u3"}

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				event := rawEvent(user, fmt.Sprintf("note %d from %s", i, user), fmt.Sprintf("%s-m-%d", user, i))
				if err := pipe.Handle(context.Background(), event, nil); err != nil {
					t.Errorf("enqueue %s/%d: %v", user, i, err)
					return
				}
			}
		}(user)
	}
	wg.Wait()

	if !pipe.WaitIdle(10 * time.Second) {
		t.Fatal("pipeline did not drain")
	}
	pipe.Stop()

	records := store.Records()
	if len(records) != perUser*len(users) {
		t.Fatalf("records = %d, want %d", len(records), perUser*len(users))
	}

	// Per-user arrival order must survive cross-user parallelism.
	next := make(map[types.UserKey]int)
	for _, rec := range records {
		want := fmt.Sprintf("note %d from %s", next[rec.UserKey], rec.UserKey)
		if rec.Content != want {
			t.Fatalf("user %s out of order: got %q, want %q", rec.UserKey, rec.Content, want)
		}
		next[rec.UserKey]++
	}
}
