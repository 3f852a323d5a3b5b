package sip

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/rcschat/internal/database"
	"github.com/flowpbx/rcschat/internal/media"
)

func newTestManager(t *testing.T, te *testEnv) (*SessionManager, database.GroupChatRepository) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chats := database.NewGroupChatRepository(db)
	m := NewSessionManager(te.env, chats, time.Hour, testLogger())
	t.Cleanup(m.Close)
	return m, chats
}

func TestManagerOriginateRecordsOutcome(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	m, chats := newTestManager(t, te)
	ctx := context.Background()

	s, err := m.Originate(ctx, GroupChatParams{
		ConferenceID: testConference,
		Subject:      "Team",
		Participants: testParticipants,
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	m.Wait()

	if m.Get(s.ContributionID()) != s {
		t.Error("Get() did not return the originated session")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if m.InvitesSent() != 1 || m.InviteFailures() != 0 {
		t.Errorf("sent/failures = %d/%d, want 1/0", m.InvitesSent(), m.InviteFailures())
	}

	chat, err := chats.GetByContributionID(ctx, s.ContributionID())
	if err != nil || chat == nil {
		t.Fatalf("GetByContributionID() = %v, %v", chat, err)
	}
	if chat.State != StateSent {
		t.Errorf("recorded state = %q, want %q", chat.State, StateSent)
	}
	if chat.ConversationID != s.ConversationID() {
		t.Errorf("recorded conversation = %q, want %q", chat.ConversationID, s.ConversationID())
	}
	if chat.CallID != s.Dialog().CallID {
		t.Errorf("recorded call id = %q, want %q", chat.CallID, s.Dialog().CallID)
	}
	var participants []string
	if err := json.Unmarshal([]byte(chat.Participants), &participants); err != nil {
		t.Fatalf("participants not json: %v", err)
	}
	if len(participants) != len(testParticipants) {
		t.Errorf("recorded %d participants, want %d", len(participants), len(testParticipants))
	}
}

func TestManagerRecordsFailureAndRetries(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.transport.sendErr = errors.New("network unreachable")
	m, chats := newTestManager(t, te)
	ctx := context.Background()

	s, err := m.Originate(ctx, GroupChatParams{
		ConferenceID: testConference,
		Participants: testParticipants,
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	m.Wait()

	chat, _ := chats.GetByContributionID(ctx, s.ContributionID())
	if chat == nil || chat.State != StateFailed {
		t.Fatalf("recorded chat = %+v, want failed", chat)
	}
	if chat.ErrorCode != int(ChatErrorUnexpectedException) || chat.ErrorMessage == "" {
		t.Errorf("recorded error = %d/%q", chat.ErrorCode, chat.ErrorMessage)
	}
	if m.Get(s.ContributionID()) != nil {
		t.Error("failed session still held in memory")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() after failure = %d, want 0", m.ActiveCount())
	}

	te.transport.mu.Lock()
	te.transport.sendErr = nil
	te.transport.mu.Unlock()

	retried, err := m.Retry(ctx, s.ContributionID())
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	m.Wait()
	if retried.Subject() != s.Subject() || len(retried.Participants()) != len(testParticipants) {
		t.Errorf("restored session = %q/%v, want original subject and participants", retried.Subject(), retried.Participants())
	}

	chat, _ = chats.GetByContributionID(ctx, s.ContributionID())
	if chat.State != StateSent {
		t.Errorf("state after retry = %q, want %q", chat.State, StateSent)
	}
	if chat.CallID == "call-1@10.0.0.1" {
		t.Error("retry did not use a fresh call id")
	}
	if chat.ContributionID != s.ContributionID() {
		t.Error("retry changed the contribution id")
	}
	if m.InvitesSent() != 1 || m.InviteFailures() != 1 {
		t.Errorf("sent/failures = %d/%d, want 1/1", m.InvitesSent(), m.InviteFailures())
	}

	if _, err := m.Retry(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Retry(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func newMSRPPool(t *testing.T, size int) *media.MSRPManager {
	t.Helper()
	pool, err := media.NewMSRPManager("127.0.0.1", 41700, 41700+size-1, testLogger())
	if err != nil {
		t.Fatalf("NewMSRPManager() error: %v", err)
	}
	return pool
}

func TestManagerReleasesFailedSessionPorts(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.transport.sendErr = errors.New("network unreachable")
	pool := newMSRPPool(t, 2)
	te.env.Media = pool
	m, _ := newTestManager(t, te)

	for i := 0; i < 4; i++ {
		if _, err := m.Originate(context.Background(), GroupChatParams{
			ConferenceID: testConference,
			Participants: testParticipants,
		}); err != nil {
			t.Fatalf("Originate() #%d error: %v", i, err)
		}
		m.Wait()

		if n := pool.AllocatedCount(); n != 0 {
			t.Errorf("chat %d: %d msrp ports still bound after failure", i, n)
		}
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if m.InviteFailures() != 4 {
		t.Errorf("InviteFailures() = %d, want 4", m.InviteFailures())
	}
}

func TestManagerSweepFreesSentSessions(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	pool := newMSRPPool(t, 2)
	te.env.Media = pool
	m, chats := newTestManager(t, te)
	ctx := context.Background()

	originate := func() *OriginatingSession {
		t.Helper()
		s, err := m.Originate(ctx, GroupChatParams{ConferenceID: testConference, Participants: testParticipants})
		if err != nil {
			t.Fatalf("Originate() error: %v", err)
		}
		m.Wait()
		return s
	}

	var first []*OriginatingSession
	for i := 0; i < 2; i++ {
		first = append(first, originate())
	}
	if pool.AllocatedCount() != 2 || m.ActiveCount() != 2 {
		t.Fatalf("allocated/active = %d/%d, want 2/2", pool.AllocatedCount(), m.ActiveCount())
	}

	if n := m.sweep(time.Now()); n != 0 {
		t.Errorf("sweep before ttl released %d sessions, want 0", n)
	}
	if n := m.sweep(time.Now().Add(time.Hour)); n != 2 {
		t.Fatalf("sweep after ttl released %d sessions, want 2", n)
	}
	if pool.AllocatedCount() != 0 || m.ActiveCount() != 0 {
		t.Errorf("after sweep allocated/active = %d/%d, want 0/0", pool.AllocatedCount(), m.ActiveCount())
	}

	for i := 0; i < 2; i++ {
		s := originate()
		chat, _ := chats.GetByContributionID(ctx, s.ContributionID())
		if chat == nil || chat.State != StateSent {
			t.Errorf("chat after sweep = %+v, want sent", chat)
		}
	}

	// A swept session is restored from its record on retry.
	m.sweep(time.Now().Add(time.Hour))
	old := first[0]
	retried, err := m.Retry(ctx, old.ContributionID())
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	m.Wait()
	if retried == old {
		t.Error("swept session was still in memory")
	}
	if retried.ConversationID() != old.ConversationID() {
		t.Errorf("restored conversation id = %q, want %q", retried.ConversationID(), old.ConversationID())
	}
	chat, _ := chats.GetByContributionID(ctx, old.ContributionID())
	if chat == nil || chat.State != StateSent || chat.CallID == old.Dialog().CallID {
		t.Errorf("retried chat = %+v, want sent under a new call id", chat)
	}
}

func TestManagerRetryBusy(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.transport.block = make(chan struct{})
	m, chats := newTestManager(t, te)
	ctx := context.Background()

	s, err := m.Originate(ctx, GroupChatParams{ConferenceID: testConference, Participants: testParticipants})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	if _, err := m.Retry(ctx, s.ContributionID()); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Retry() during attempt error = %v, want ErrSessionBusy", err)
	}

	close(te.transport.block)
	m.Wait()

	if m.InvitesSent() != 1 || m.InviteFailures() != 0 {
		t.Errorf("sent/failures = %d/%d, want 1/0", m.InvitesSent(), m.InviteFailures())
	}
	chat, _ := chats.GetByContributionID(ctx, s.ContributionID())
	if chat == nil || chat.State != StateSent || chat.CallID == "" {
		t.Errorf("recorded chat = %+v, want sent with a call id", chat)
	}
}
