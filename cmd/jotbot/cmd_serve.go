package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/jotbot/internal/classify"
	"github.com/user/jotbot/internal/pipeline"
	"github.com/user/jotbot/internal/scheduler"
	"github.com/user/jotbot/internal/session"
	"github.com/user/jotbot/internal/store/sqlite"
	"github.com/user/jotbot/internal/telegram"
	"github.com/user/jotbot/internal/types"
	"github.com/user/jotbot/internal/webhook"
	"github.com/user/jotbot/pkg/llm"
	"github.com/user/jotbot/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the jotbot daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "jotbot.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Store
	store, err := sqlite.Open(filepath.Join(cfg.DataDir, "jotbot.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	prompter, err := classify.NewPrompter(cfg.LLM.Model, cfg.LLM.MaxPromptTokens)
	if err != nil {
		return fmt.Errorf("create prompter: %w", err)
	}
	classifier := classify.New(provider, prompter)

	// Session manager; terminal sessions are archived through the close hook.
	window := time.Duration(cfg.Session.InactivityMinutes) * time.Minute
	sessions := session.NewManager(window, func(sess *types.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.SaveSession(ctx, sess); err != nil {
			slog.Error("archive session failed", "session_id", string(sess.ID), "error", err)
		}
	})

	// Deliverer is assigned once the channel adapter exists; closures below
	// capture the variable, not the value.
	var deliverer types.Deliverer

	notify := func(ctx context.Context, user types.UserKey, text string) {
		if deliverer == nil {
			return
		}
		if err := deliverer.Send(ctx, user, text); err != nil {
			slog.Error("outbound delivery failed", "user_key", string(user), "error", err)
		}
	}

	pipe := pipeline.New(store, classifier, sessions, int64(cfg.MaxConcurrent),
		pipeline.WithDedupWindow(time.Duration(cfg.Pipeline.DedupWindowMinutes)*time.Minute),
		pipeline.WithCapabilityTimeout(time.Duration(cfg.Pipeline.CapabilityTimeout)*time.Second),
		pipeline.WithMaxTags(cfg.Pipeline.MaxTags),
		pipeline.WithTimeoutNotifier(func(sess *types.Session) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			notify(ctx, sess.UserKey, fmt.Sprintf(
				"🧠 Brain dump session timed out after inactivity. Captured %d notes under %s.",
				sess.MessageCount, tagsLine(sess.Tags)))
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe.Start(ctx)
	defer pipe.Stop()

	slog.Info("jotbot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, pipe)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		pipe.SetTranscriber(telegram.NewTranscriber(adapter, provider))
		deliverer = adapter
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler: session sweep plus reminder dispatch.
	sched := scheduler.New(store, pipe.SweepSessions, func(ctx context.Context, reminder *types.ReminderInstance) {
		notify(ctx, reminder.UserKey, "⏰ Reminder: "+reminder.Title)
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Webhook HTTP server
	if cfg.HTTP.Enabled {
		webhookSrv := webhook.NewServer(pipe, store)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: webhookSrv,
		}
		go func() {
			slog.Info("webhook server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("webhook server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)
	return nil
}

func tagsLine(tags []string) string {
	if len(tags) == 0 {
		return "no tags"
	}
	out := ""
	for i, tag := range tags {
		if i > 0 {
			out += " "
		}
		out += "#" + tag
	}
	return out
}
