// Package session owns the brain-dump session state machine. A session is
// opened by a tag-only message, accumulates every following message under its
// tag set, and closes on /end, /cancel or inactivity timeout. The manager
// holds the only active-session state in the process; all mutation happens
// through it, and callers serialize per user (the pipeline's execution slot).
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/jotbot/internal/classify"
	"github.com/user/jotbot/internal/tags"
	"github.com/user/jotbot/internal/types"
)

// DefaultInactivityWindow is how long an active session survives without a
// message before the sweep times it out.
const DefaultInactivityWindow = 30 * time.Minute

// DecisionKind says how a message relates to the session lifecycle.
type DecisionKind int

const (
	NoSession DecisionKind = iota
	StartedSession
	ContinuingSession
	EndedSession
)

func (k DecisionKind) String() string {
	switch k {
	case StartedSession:
		return "started"
	case ContinuingSession:
		return "continuing"
	case EndedSession:
		return "ended"
	default:
		return "none"
	}
}

// Decision is the session manager's verdict for one message.
type Decision struct {
	Kind    DecisionKind
	Session *types.Session // snapshot; nil for NoSession
}

// Manager tracks at most one active session per user.
type Manager struct {
	mu       sync.Mutex
	active   map[types.UserKey]*types.Session
	window   time.Duration
	now      func() time.Time
	onClosed func(*types.Session) // archive hook, invoked after the lock is released
}

// NewManager creates a Manager with the given inactivity window.
// onClosed, if non-nil, is called with a snapshot of every session that
// reaches a terminal status.
func NewManager(window time.Duration, onClosed func(*types.Session)) *Manager {
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	return &Manager{
		active:   make(map[types.UserKey]*types.Session),
		window:   window,
		now:      time.Now,
		onClosed: onClosed,
	}
}

// OnMessage applies the session grammar to one message. The caller must hold
// the user's execution slot.
func (m *Manager) OnMessage(user types.UserKey, msg *types.CanonicalMessage) Decision {
	// The archive hook must not run under the lock: a slow archive for one
	// user would stall every other user's session decisions.
	var closed *types.Session
	defer func() { m.notifyClosed(closed) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	content := strings.TrimSpace(msg.Content)
	active := m.active[user]

	// Lazy expiry: a message arriving after the window closes the stale
	// session first, then is treated as session-less.
	if active != nil && m.now().Sub(active.LastActivity) > m.window {
		closed = m.closeLocked(active, types.SessionTimedOut)
		active = nil
	}

	if active == nil {
		if classify.IsTagsOnly(content) {
			sess := &types.Session{
				ID:           types.NewSessionID(),
				UserKey:      user,
				Status:       types.SessionActive,
				Tags:         tags.ExtractHashtags(content),
				StartedAt:    m.now(),
				LastActivity: m.now(),
			}
			m.active[user] = sess
			slog.Info("brain dump session started",
				"session_id", string(sess.ID), "user_key", string(user), "tags", sess.Tags)
			return Decision{Kind: StartedSession, Session: snapshot(sess)}
		}
		return Decision{Kind: NoSession}
	}

	switch strings.ToLower(firstWord(content)) {
	case "/end", "/done":
		closed = m.closeLocked(active, types.SessionCompleted)
		return Decision{Kind: EndedSession, Session: snapshot(active)}
	case "/cancel":
		closed = m.closeLocked(active, types.SessionCancelled)
		return Decision{Kind: EndedSession, Session: snapshot(active)}
	}

	active.MessageCount++
	active.LastActivity = m.now()
	return Decision{Kind: ContinuingSession, Session: snapshot(active)}
}

// Active returns a snapshot of the user's active session, if any.
func (m *Manager) Active(user types.UserKey) (*types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.active[user]
	if !ok {
		return nil, false
	}
	return snapshot(sess), true
}

// ActiveUsers lists users that currently hold an active session. The sweep
// uses it to enqueue per-user expiry checks.
func (m *Manager) ActiveUsers() []types.UserKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]types.UserKey, 0, len(m.active))
	for user := range m.active {
		users = append(users, user)
	}
	return users
}

// ExpireIfIdle transitions the user's session to timed_out when it has been
// idle beyond the window. The caller must hold the user's execution slot so
// the check cannot race a message-triggered transition.
func (m *Manager) ExpireIfIdle(user types.UserKey) (*types.Session, bool) {
	var closed *types.Session
	defer func() { m.notifyClosed(closed) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.active[user]
	if !ok || m.now().Sub(sess.LastActivity) <= m.window {
		return nil, false
	}
	closed = m.closeLocked(sess, types.SessionTimedOut)
	return snapshot(sess), true
}

// End force-closes the user's active session with the given terminal status.
// Returns ErrSessionClosed when no active session exists.
func (m *Manager) End(user types.UserKey, status types.SessionStatus) (*types.Session, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("non-terminal status %q", status)
	}
	var closed *types.Session
	defer func() { m.notifyClosed(closed) }()
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.active[user]
	if !ok {
		return nil, types.ErrSessionClosed
	}
	closed = m.closeLocked(sess, status)
	return snapshot(sess), nil
}

// closeLocked transitions the session to a terminal status and returns the
// snapshot to hand to the archive hook once the lock is dropped.
func (m *Manager) closeLocked(sess *types.Session, status types.SessionStatus) *types.Session {
	now := m.now()
	sess.Status = status
	sess.EndedAt = &now
	delete(m.active, sess.UserKey)
	slog.Info("brain dump session closed",
		"session_id", string(sess.ID), "user_key", string(sess.UserKey),
		"status", string(status), "messages", sess.MessageCount)
	return snapshot(sess)
}

// notifyClosed runs the archive hook. Deferred before the lock is taken, so
// it fires after the unlock.
func (m *Manager) notifyClosed(sess *types.Session) {
	if sess != nil && m.onClosed != nil {
		m.onClosed(sess)
	}
}

func snapshot(sess *types.Session) *types.Session {
	cp := *sess
	cp.Tags = append([]string(nil), sess.Tags...)
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i]
	}
	return s
}
