package sip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/rcschat/internal/database"
	"github.com/flowpbx/rcschat/internal/database/models"
)

// DefaultSessionTTL is how long a sent session stays in memory holding its
// MSRP endpoint.
const DefaultSessionTTL = 10 * time.Minute

// trackedSession is a session in memory. sentAt is set while the last
// attempt's INVITE is out and cleared when a new attempt starts.
type trackedSession struct {
	session *OriginatingSession
	sentAt  time.Time
}

// SessionManager originates group chat sessions, tracks them by
// contribution id and records each attempt's outcome. Failed sessions
// leave memory at once and sent sessions after the TTL; both can still be
// retried from their recorded state.
type SessionManager struct {
	env    SessionEnv
	chats  database.GroupChatRepository
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*trackedSession

	wg       sync.WaitGroup
	sent     atomic.Int64
	failures atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	sweeper  sync.WaitGroup
}

// NewSessionManager creates a manager that builds sessions from env and
// releases sent sessions ttl after their INVITE went out. A zero ttl
// selects DefaultSessionTTL.
func NewSessionManager(env SessionEnv, chats database.GroupChatRepository, ttl time.Duration, logger *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		env:      env,
		chats:    chats,
		logger:   logger.With("subsystem", "sessions"),
		ttl:      ttl,
		sessions: make(map[string]*trackedSession),
		stop:     make(chan struct{}),
	}

	m.sweeper.Add(1)
	go m.sweepLoop(sweepInterval(ttl))
	return m
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Originate creates a session for params, records it and starts the
// initial attempt. The attempt outlives ctx's cancellation.
func (m *SessionManager) Originate(ctx context.Context, params GroupChatParams) (*OriginatingSession, error) {
	s, err := NewOriginatingSession(ctx, m.env, params)
	if err != nil {
		return nil, err
	}

	participants, err := json.Marshal(s.Participants())
	if err != nil {
		return nil, fmt.Errorf("encoding participants: %w", err)
	}
	chat := &models.GroupChat{
		ContributionID: s.ContributionID(),
		ConversationID: s.ConversationID(),
		ConferenceID:   s.ConferenceID(),
		Subject:        s.Subject(),
		Participants:   string(participants),
		CallID:         s.Dialog().CallID,
		State:          StateIdle,
	}
	if err := m.chats.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("recording group chat: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ContributionID()] = &trackedSession{session: s}
	results := s.Start(context.WithoutCancel(ctx))
	m.mu.Unlock()

	m.track(s, results)
	return s, nil
}

// Retry starts a new attempt for a session under a freshly generated call
// id. A session no longer in memory is restored from its record. The
// attempt is claimed before Retry returns, so a concurrent attempt yields
// ErrSessionBusy.
func (m *SessionManager) Retry(ctx context.Context, contributionID string) (*OriginatingSession, error) {
	callID := m.env.Transport.GenerateCallID()

	var restored *OriginatingSession
	for {
		m.mu.Lock()
		ts := m.sessions[contributionID]
		if ts == nil && restored != nil {
			ts = &trackedSession{session: restored}
			m.sessions[contributionID] = ts
			restored = nil
		}
		if ts != nil {
			results, err := ts.session.Retry(context.WithoutCancel(ctx), callID)
			if err == nil {
				ts.sentAt = time.Time{}
			}
			m.mu.Unlock()

			if restored != nil {
				restored.Close()
			}
			if err != nil {
				return nil, fmt.Errorf("retrying %q: %w", contributionID, err)
			}

			m.logger.Info("retrying group chat session",
				"contribution_id", contributionID,
				"call_id", callID,
			)
			m.track(ts.session, results)
			return ts.session, nil
		}
		m.mu.Unlock()

		s, err := m.restore(ctx, contributionID)
		if err != nil {
			return nil, err
		}
		restored = s
	}
}

// restore rebuilds a session from its group chat record.
func (m *SessionManager) restore(ctx context.Context, contributionID string) (*OriginatingSession, error) {
	chat, err := m.chats.GetByContributionID(ctx, contributionID)
	if err != nil {
		return nil, fmt.Errorf("loading group chat %q: %w", contributionID, err)
	}
	if chat == nil {
		return nil, fmt.Errorf("retrying %q: %w", contributionID, ErrSessionNotFound)
	}

	var participants []string
	if err := json.Unmarshal([]byte(chat.Participants), &participants); err != nil {
		return nil, fmt.Errorf("decoding participants of %q: %w", contributionID, err)
	}

	return RestoreOriginatingSession(m.env, GroupChatParams{
		ConferenceID: chat.ConferenceID,
		Subject:      chat.Subject,
		Participants: participants,
	}, chat.ContributionID, chat.ConversationID, chat.CallID)
}

// track records the single result of an attempt once it arrives. A failed
// session is dropped from memory; a sent one starts its TTL.
func (m *SessionManager) track(s *OriginatingSession, results <-chan Result) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		res, ok := <-results
		if !ok {
			return
		}

		state := StateSent
		var code int
		var msg string
		if res.Err != nil {
			state = StateFailed
			code = int(res.Err.Code)
			msg = res.Err.Message
			m.failures.Add(1)
		} else {
			m.sent.Add(1)
		}

		if err := m.chats.UpdateState(context.Background(), s.ContributionID(), res.CallID, state, code, msg); err != nil {
			m.logger.Error("failed to record group chat outcome",
				"contribution_id", s.ContributionID(),
				"error", err,
			)
		}

		evicted := false
		m.mu.Lock()
		if ts, ok := m.sessions[s.ContributionID()]; ok && ts.session == s {
			// A newer attempt may already be building; leave it alone.
			switch s.State() {
			case StateFailed:
				delete(m.sessions, s.ContributionID())
				evicted = true
			case StateSent:
				ts.sentAt = time.Now()
			}
		}
		m.mu.Unlock()

		if evicted {
			s.Close()
			m.logger.Debug("failed session released", "contribution_id", s.ContributionID())
		}
	}()
}

func (m *SessionManager) sweepLoop(interval time.Duration) {
	defer m.sweeper.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep releases sessions whose INVITE went out at least ttl before now.
func (m *SessionManager) sweep(now time.Time) int {
	var expired []*OriginatingSession

	m.mu.Lock()
	for id, ts := range m.sessions {
		if ts.sentAt.IsZero() || now.Sub(ts.sentAt) < m.ttl || ts.session.State() != StateSent {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, ts.session)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		m.logger.Debug("expired sessions released",
			"released", len(expired),
			"remaining", remaining,
		)
	}
	return len(expired)
}

// Get returns the in-memory session for contributionID, or nil.
func (m *SessionManager) Get(contributionID string) *OriginatingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.sessions[contributionID]; ok {
		return ts.session
	}
	return nil
}

// ActiveCount returns the number of sessions with an attempt building or
// an INVITE out.
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ts := range m.sessions {
		switch ts.session.State() {
		case StateBuilding, StateSent:
			n++
		}
	}
	return n
}

// InvitesSent returns the number of attempts handed to the transport.
func (m *SessionManager) InvitesSent() int64 {
	return m.sent.Load()
}

// InviteFailures returns the number of attempts that failed.
func (m *SessionManager) InviteFailures() int64 {
	return m.failures.Load()
}

// Wait blocks until every outstanding attempt has been recorded.
func (m *SessionManager) Wait() {
	m.wg.Wait()
}

// Close stops the sweeper, waits for outstanding attempts and releases
// every session.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.sweeper.Wait()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.sessions {
		ts.session.Close()
		delete(m.sessions, id)
	}
	m.logger.Info("session manager closed")
}
