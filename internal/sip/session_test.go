package sip

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/rcschat/internal/media"
)

func newSession(t *testing.T, te *testEnv, subject string) *OriginatingSession {
	t.Helper()
	s, err := NewOriginatingSession(context.Background(), te.env, GroupChatParams{
		ConferenceID: testConference,
		Subject:      subject,
		Participants: testParticipants,
	})
	if err != nil {
		t.Fatalf("NewOriginatingSession() error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sdpPart(t *testing.T, body []byte) string {
	t.Helper()
	s := string(body)
	start := strings.Index(s, "v=0")
	end := strings.Index(s, "\r\n--"+Boundary)
	if start < 0 || end < start {
		t.Fatalf("no sdp part in body:\n%s", s)
	}
	return s[start:end]
}

func TestPlainProfileNoSubject(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	s := newSession(t, te, "")

	res := waitResult(t, s.Start(context.Background()))
	if res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	if res.Tx == nil || res.Invite == nil {
		t.Fatal("successful result missing transaction or request")
	}

	sent := te.transport.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	req := sent[0]

	if req.GetHeader("Subject") != nil {
		t.Error("Subject header present without a subject")
	}
	if got := headerValues(req, "Require"); len(got) != 1 || got[0] != "recipient-list-invite" {
		t.Errorf("Require = %q", got)
	}
	if req.GetHeader(HeaderConversationID) != nil {
		t.Error("Conversation-ID present outside CPM")
	}
	if got := headerValues(req, HeaderContributionID); len(got) != 1 || got[0] != s.ContributionID() {
		t.Errorf("Contribution-ID = %q, want %q", got, s.ContributionID())
	}

	body := req.Body()
	if strings.Contains(string(body), "a=fingerprint:") {
		t.Error("plain offer carries a fingerprint line")
	}
	if got := strings.Count(string(body), "<entry "); got != 3 {
		t.Errorf("resource list entries = %d, want 3", got)
	}
	if !strings.Contains(string(body), "m=message 9 TCP/MSRP *\r\n") {
		t.Errorf("active setup must offer port 9:\n%s", body)
	}

	// The dialog's stored local content is the transmitted body.
	dp := s.Dialog()
	if !bytes.Equal(dp.LocalContent(), body) {
		t.Error("dialog local content differs from transmitted body")
	}
	if dp.Invite() != req {
		t.Error("dialog is not bound to the sent INVITE")
	}
	if req.CallID().Value() != dp.CallID {
		t.Errorf("Call-ID = %q, dialog call id = %q", req.CallID().Value(), dp.CallID)
	}
	if s.ContributionID() != ContributionID(dp.CallID) {
		t.Error("contribution id not derived from the dialog call id")
	}
	if s.State() != StateSent {
		t.Errorf("State() = %q, want %q", s.State(), StateSent)
	}
}

func TestCPMFirstContribution(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	s := newSession(t, te, "Lunch")

	// call-1 formed the dialog, call-2 seeded the conversation id.
	if want := ContributionID("call-2@10.0.0.1"); s.ConversationID() != want {
		t.Errorf("ConversationID() = %q, want %q", s.ConversationID(), want)
	}
	if te.conversations.bound[s.ContributionID()] != s.ConversationID() {
		t.Error("conversation binding not persisted")
	}

	res := waitResult(t, s.Start(context.Background()))
	if res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	req := te.transport.sentRequests()[0]
	if got := headerValues(req, HeaderConversationID); len(got) != 1 || got[0] != s.ConversationID() {
		t.Errorf("Conversation-ID = %q, want %q", got, s.ConversationID())
	}
	if got := headerValues(req, HeaderContributionID); len(got) != 1 {
		t.Errorf("Contribution-ID = %q, want one header", got)
	}
	if got := headerValues(req, "Accept-Contact"); len(got) != 1 || got[0] != CPMFeatureTags().AcceptContact() {
		t.Errorf("Accept-Contact = %q, want CPM tags only", got)
	}
	if got := headerValues(req, "Subject"); len(got) != 1 || got[0] != "Lunch" {
		t.Errorf("Subject = %q, want [Lunch]", got)
	}
}

func TestCPMReusesBoundConversation(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	// The first call id the session will use is call-1@10.0.0.1.
	te.conversations.bound[ContributionID("call-1@10.0.0.1")] = "X"

	s := newSession(t, te, "")
	if s.ConversationID() != "X" {
		t.Errorf("ConversationID() = %q, want X", s.ConversationID())
	}
	if te.conversations.binds != 0 {
		t.Errorf("Bind called %d times, want 0", te.conversations.binds)
	}

	res := waitResult(t, s.Start(context.Background()))
	if res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	req := te.transport.sentRequests()[0]
	if got := headerValues(req, HeaderConversationID); len(got) != 1 || got[0] != "X" {
		t.Errorf("Conversation-ID = %q, want [X]", got)
	}
}

func TestSecureActiveOffer(t *testing.T) {
	te := newTestEnv(t, fakeFlags{secure: true})
	s := newSession(t, te, "")

	res := waitResult(t, s.Start(context.Background()))
	if res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	sdp := sdpPart(t, te.transport.sentRequests()[0].Body())

	if !strings.Contains(sdp, "m=message 9 TCP/TLS/MSRP *\r\n") {
		t.Errorf("secure active offer media line wrong:\n%s", sdp)
	}
	if got := strings.Count(sdp, "a=fingerprint:"); got != 1 {
		t.Errorf("fingerprint lines = %d, want 1", got)
	}
	if !strings.Contains(sdp, "a=fingerprint:sha-256 AA:BB:CC\r\n") {
		t.Errorf("fingerprint value wrong:\n%s", sdp)
	}
	if !strings.Contains(sdp, "a=path:msrps://10.0.0.1:") {
		t.Errorf("secure offer must use an msrps path:\n%s", sdp)
	}
}

func TestPassiveOfferUsesLocalPort(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.env.Setup = media.SetupPassive
	s := newSession(t, te, "")

	res := waitResult(t, s.Start(context.Background()))
	if res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	sdp := sdpPart(t, te.transport.sentRequests()[0].Body())
	if !strings.Contains(sdp, "m=message 20001 TCP/MSRP *\r\n") {
		t.Errorf("passive offer must use the allocated port:\n%s", sdp)
	}
	if !strings.Contains(sdp, "a=setup:passive\r\n") {
		t.Errorf("setup attribute wrong:\n%s", sdp)
	}
}

func TestConstructionFailures(t *testing.T) {
	t.Run("identifier resolution", func(t *testing.T) {
		te := newTestEnv(t, fakeFlags{cpm: true})
		te.conversations.getErr = errors.New("database is locked")
		_, err := NewOriginatingSession(context.Background(), te.env, GroupChatParams{
			ConferenceID: testConference,
			Participants: testParticipants,
		})
		if !errors.Is(err, ErrIdentifierResolution) {
			t.Errorf("error = %v, want ErrIdentifierResolution", err)
		}
	})

	t.Run("bad conference uri", func(t *testing.T) {
		te := newTestEnv(t, fakeFlags{})
		_, err := NewOriginatingSession(context.Background(), te.env, GroupChatParams{
			ConferenceID: "not a uri",
			Participants: testParticipants,
		})
		if err == nil {
			t.Error("NewOriginatingSession() succeeded, want error")
		}
	})

	t.Run("no participants", func(t *testing.T) {
		te := newTestEnv(t, fakeFlags{})
		_, err := NewOriginatingSession(context.Background(), te.env, GroupChatParams{
			ConferenceID: testConference,
		})
		if err == nil {
			t.Error("NewOriginatingSession() succeeded, want error")
		}
	})
}

func TestAttemptFailuresAreUnexpected(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(te *testEnv)
		wantErr error
	}{
		{
			name:    "construction primitive rejects request",
			setup:   func(te *testEnv) { te.env.Builder = NewInviteBuilder(failingAuth{}, "") },
			wantErr: nil,
		},
		{
			name:    "transport send fails",
			setup:   func(te *testEnv) { te.transport.sendErr = errors.New("connection refused") },
			wantErr: nil,
		},
		{
			name:    "msrp allocation fails",
			setup:   func(te *testEnv) { te.media.err = media.ErrNoMSRPPorts },
			wantErr: media.ErrNoMSRPPorts,
		},
		{
			name:    "panic during build",
			setup:   func(te *testEnv) { te.env.Builder = NewInviteBuilder(panickingAuth{}, "") },
			wantErr: nil,
		},
		{
			name: "secure without fingerprint",
			setup: func(te *testEnv) {
				te.env.Flags = fakeFlags{secure: true}
				te.env.Keys = fakeKeys{err: errors.New("keystore locked")}
			},
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, fakeFlags{})
			tt.setup(te)
			s := newSession(t, te, "")

			res := waitResult(t, s.Start(context.Background()))
			if res.Err == nil {
				t.Fatal("attempt succeeded, want failure")
			}
			if res.Err.Code != ChatErrorUnexpectedException {
				t.Errorf("Code = %v, want %v", res.Err.Code, ChatErrorUnexpectedException)
			}
			if res.Err.Message == "" {
				t.Error("error message is empty")
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("error = %v, want %v", res.Err, tt.wantErr)
			}
			if res.Tx != nil {
				t.Error("failed attempt returned a transaction")
			}
			if s.Dialog().Invite() != nil {
				t.Error("failed attempt left a request bound to the dialog")
			}
			if s.State() != StateFailed {
				t.Errorf("State() = %q, want %q", s.State(), StateFailed)
			}
			if te.transport.sendErr == nil && len(te.transport.sentRequests()) != 0 {
				t.Error("failed attempt sent a request")
			}
		})
	}
}

func TestSendNilRequest(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	s := newSession(t, te, "")
	if _, err := s.sendInvite(context.Background(), nil); !errors.Is(err, ErrNilRequest) {
		t.Errorf("sendInvite(nil) error = %v, want ErrNilRequest", err)
	}
	if len(te.transport.sentRequests()) != 0 {
		t.Error("nil request reached the transport")
	}
}

func TestRetryKeepsIdentifiers(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	s := newSession(t, te, "")
	contribution, conversation := s.ContributionID(), s.ConversationID()

	first := waitResult(t, s.Start(context.Background()))
	if first.Err != nil {
		t.Fatalf("Start() error: %v", first.Err)
	}
	firstTag := s.Dialog().LocalTag

	retryCh, err := s.Retry(context.Background(), "retry-call@10.0.0.1")
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	retry := waitResult(t, retryCh)
	if retry.Err != nil {
		t.Fatalf("Retry() error: %v", retry.Err)
	}
	if retry.CallID != "retry-call@10.0.0.1" {
		t.Errorf("retry CallID = %q", retry.CallID)
	}

	sent := te.transport.sentRequests()
	if len(sent) != 2 {
		t.Fatalf("sent %d requests, want 2", len(sent))
	}
	req := sent[1]
	if req.CallID().Value() != "retry-call@10.0.0.1" {
		t.Errorf("retry Call-ID = %q", req.CallID().Value())
	}
	if got := headerValues(req, HeaderContributionID); len(got) != 1 || got[0] != contribution {
		t.Errorf("retry Contribution-ID = %q, want %q", got, contribution)
	}
	if got := headerValues(req, HeaderConversationID); len(got) != 1 || got[0] != conversation {
		t.Errorf("retry Conversation-ID = %q, want %q", got, conversation)
	}
	if s.Dialog().LocalTag == firstTag {
		t.Error("retry reused the previous dialog's local tag")
	}
	if !bytes.Equal(s.Dialog().LocalContent(), req.Body()) {
		t.Error("retry local content differs from transmitted body")
	}
	// Each attempt allocates a fresh endpoint and releases the previous.
	if te.media.released != 1 {
		t.Errorf("released %d endpoints, want 1", te.media.released)
	}

	if _, err := s.Retry(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Retry(\"\") error = %v, want ErrInvalidRequest", err)
	}
}

func TestConcurrentAttemptRejected(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.transport.block = make(chan struct{})
	s := newSession(t, te, "")

	// Start moves the session to building before it returns.
	first := s.Start(context.Background())
	if s.State() != StateBuilding {
		t.Fatalf("State() = %q, want %q", s.State(), StateBuilding)
	}
	second, err := s.Retry(context.Background(), "other@10.0.0.1")
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent attempt error = %v, want ErrSessionBusy", err)
	}
	if second != nil {
		t.Error("rejected attempt returned a result channel")
	}

	close(te.transport.block)
	if res := waitResult(t, first); res.Err != nil {
		t.Errorf("first attempt error: %v", res.Err)
	}
}

func TestCreateInviteFromLocalContent(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	s := newSession(t, te, "")

	if _, err := s.CreateInvite(context.Background()); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CreateInvite() before any attempt error = %v, want ErrInvalidRequest", err)
	}

	if res := waitResult(t, s.Start(context.Background())); res.Err != nil {
		t.Fatalf("Start() error: %v", res.Err)
	}
	first := te.transport.sentRequests()[0]

	rebuilt, err := s.CreateInvite(context.Background())
	if err != nil {
		t.Fatalf("CreateInvite() error: %v", err)
	}
	if !bytes.Equal(rebuilt.Body(), first.Body()) {
		t.Error("rebuilt INVITE body differs from the stored local content")
	}
	if rebuilt.CSeq().SeqNo != first.CSeq().SeqNo+1 {
		t.Errorf("rebuilt CSeq = %d, want %d", rebuilt.CSeq().SeqNo, first.CSeq().SeqNo+1)
	}
	if rebuilt.CallID().Value() != first.CallID().Value() {
		t.Error("rebuilt INVITE changed the Call-ID")
	}
	if s.Dialog().Invite() != rebuilt {
		t.Error("dialog not bound to the rebuilt INVITE")
	}
}

func TestFailedAttemptClearsLocalContent(t *testing.T) {
	te := newTestEnv(t, fakeFlags{})
	te.transport.sendErr = errors.New("network unreachable")
	s := newSession(t, te, "")

	res := waitResult(t, s.Start(context.Background()))
	if res.Err == nil {
		t.Fatal("Start() succeeded, want transport failure")
	}
	if got := s.Dialog().LocalContent(); got != nil {
		t.Errorf("LocalContent() after failure = %d bytes, want none", len(got))
	}
	if s.Dialog().Invite() != nil {
		t.Error("failed attempt left an INVITE bound to the dialog")
	}
	if _, err := s.CreateInvite(context.Background()); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CreateInvite() after failure error = %v, want ErrInvalidRequest", err)
	}
}

func TestRestoreOriginatingSession(t *testing.T) {
	te := newTestEnv(t, fakeFlags{cpm: true})
	params := GroupChatParams{ConferenceID: testConference, Participants: testParticipants}

	s, err := RestoreOriginatingSession(te.env, params, "contrib-1", "conv-1", "old-call@10.0.0.1")
	if err != nil {
		t.Fatalf("RestoreOriginatingSession() error: %v", err)
	}
	t.Cleanup(s.Close)

	if s.State() != StateIdle {
		t.Errorf("State() = %q, want %q", s.State(), StateIdle)
	}
	if s.Dialog().CallID != "old-call@10.0.0.1" {
		t.Errorf("CallID = %q, want old-call@10.0.0.1", s.Dialog().CallID)
	}

	ch, err := s.Retry(context.Background(), "new-call@10.0.0.1")
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if res := waitResult(t, ch); res.Err != nil {
		t.Fatalf("retry attempt error: %v", res.Err)
	}
	req := te.transport.sentRequests()[0]
	if got := headerValues(req, HeaderContributionID); len(got) != 1 || got[0] != "contrib-1" {
		t.Errorf("Contribution-ID = %q, want contrib-1", got)
	}
	if got := headerValues(req, HeaderConversationID); len(got) != 1 || got[0] != "conv-1" {
		t.Errorf("Conversation-ID = %q, want conv-1", got)
	}

	if _, err := RestoreOriginatingSession(te.env, params, "", "conv-1", "c@h"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("restore without contribution id error = %v, want ErrInvalidRequest", err)
	}
}

var _ Transport = (*fakeTransport)(nil)
var _ sip.ClientTransaction = (*fakeTx)(nil)
