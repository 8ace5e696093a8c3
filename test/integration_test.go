//go:build integration

package test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/jotbot/internal/classify"
	"github.com/user/jotbot/internal/pipeline"
	"github.com/user/jotbot/internal/session"
	"github.com/user/jotbot/internal/store/sqlite"
	"github.com/user/jotbot/internal/types"
	"github.com/user/jotbot/pkg/llm"
)

// mockProvider is a test double that returns a canned LLM response.
type mockProvider struct {
	response *llm.Response
}

func (m *mockProvider) Complete(_ context.Context, _ []llm.Message) (*llm.Response, error) {
	return m.response, nil
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "jotbot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	provider := &mockProvider{
		response: &llm.Response{Content: `{"intent":"note","confidence":0.9,"suggested_tags":["thoughts"]}`},
	}
	prompter, err := classify.NewPrompter("gpt-4", 4096)
	if err != nil {
		t.Fatal(err)
	}

	sessions := session.NewManager(30*time.Minute, func(sess *types.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.SaveSession(ctx, sess)
	})
	pipe := pipeline.New(store, classify.New(provider, prompter), sessions, 4)

	ctx := context.Background()
	pipe.Start(ctx)
	defer pipe.Stop()

	user := string(types.NewUserKey("test", "user1"))

	// Send multiple messages from same user
	for i := 0; i < 3; i++ {
		event := &types.RawEvent{
			UserKey:   user,
			Content:   fmt.Sprintf("message %d", i),
			Source:    "text",
			MessageID: fmt.Sprintf("m-%d", i),
		}
		if _, err := pipe.HandleWait(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.TagHistory(ctx, types.UserKey(user))
	if err != nil {
		t.Fatal(err)
	}
	if history["thoughts"] != 3 {
		t.Errorf("expected 3 uses of suggested tag, got %d", history["thoughts"])
	}
}

func TestEndToEndSessionAndReminder(t *testing.T) {
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "jotbot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	provider := &mockProvider{
		response: &llm.Response{Content: `{"intent":"reminder","confidence":0.95}`},
	}
	prompter, err := classify.NewPrompter("gpt-4", 4096)
	if err != nil {
		t.Fatal(err)
	}

	sessions := session.NewManager(30*time.Minute, func(sess *types.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.SaveSession(ctx, sess)
	})
	pipe := pipeline.New(store, classify.New(provider, prompter), sessions, 4)

	ctx := context.Background()
	pipe.Start(ctx)
	defer pipe.Stop()

	user := string(types.NewUserKey("test", "user1"))
	send := func(id, content string) *pipeline.Outcome {
		t.Helper()
		out, err := pipe.HandleWait(ctx, &types.RawEvent{
			UserKey: user, Content: content, Source: "text", MessageID: id,
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	out := send("m-1", "remind me to submit the report tomorrow at 9am")
	if out.Kind != pipeline.ResultReminder {
		t.Fatalf("expected reminder outcome, got %s (%s)", out.Kind, out.Failure)
	}

	due, err := store.DueReminders(ctx, time.Now().AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due reminder, got %d", len(due))
	}
	if due[0].Title != "submit the report" {
		t.Errorf("title = %q", due[0].Title)
	}

	if out := send("m-2", "#project"); out.Kind != pipeline.ResultSessionStarted {
		t.Fatalf("expected session start, got %s", out.Kind)
	}
	if out := send("m-3", "first thought"); out.Kind != pipeline.ResultSessionContinued {
		t.Fatalf("expected session continue, got %s", out.Kind)
	}
	if out := send("m-4", "/end"); out.Kind != pipeline.ResultSessionEnded {
		t.Fatalf("expected session end, got %s", out.Kind)
	}

	stored, err := store.ListSessions(ctx, types.UserKey(user))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored session, got %d", len(stored))
	}
	if stored[0].Status != types.SessionCompleted {
		t.Errorf("status = %q", stored[0].Status)
	}
	if stored[0].MessageCount != 1 {
		t.Errorf("message count = %d", stored[0].MessageCount)
	}
}
