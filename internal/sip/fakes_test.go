package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/rcschat/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTx satisfies sip.ClientTransaction; tests never drive it.
type fakeTx struct {
	sip.ClientTransaction
}

type fakeTransport struct {
	mu      sync.Mutex
	next    int
	sent    []*sip.Request
	sendErr error
	block   chan struct{}
}

func (f *fakeTransport) GenerateCallID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("call-%d@10.0.0.1", f.next)
}

func (f *fakeTransport) SendRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &fakeTx{}, nil
}

func (f *fakeTransport) sentRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.sent...)
}

type fakeFlags struct {
	cpm, op01, secure bool
}

func (f fakeFlags) CPMSupported(context.Context) bool         { return f.cpm }
func (f fakeFlags) CarrierCompatibility(context.Context) bool { return f.op01 }
func (f fakeFlags) SecureMessaging(context.Context) bool      { return f.secure }

type fakeKeys struct {
	fp  string
	err error
}

func (k fakeKeys) Fingerprint() (string, error) { return k.fp, k.err }

type fakeMedia struct {
	mu       sync.Mutex
	next     int
	released int
	err      error
}

func (m *fakeMedia) Allocate(secure bool) (*media.MSRPEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.next++
	return &media.MSRPEndpoint{
		LocalIP:   "10.0.0.1",
		Port:      20000 + m.next,
		SessionID: fmt.Sprintf("sess%d", m.next),
		Secure:    secure,
	}, nil
}

func (m *fakeMedia) Release(*media.MSRPEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

// memConversations is an in-memory ConversationStore.
type memConversations struct {
	mu      sync.Mutex
	bound   map[string]string
	binds   int
	getErr  error
	bindErr error
}

func newMemConversations() *memConversations {
	return &memConversations{bound: make(map[string]string)}
}

func (c *memConversations) GetConversationID(_ context.Context, contributionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	return c.bound[contributionID], nil
}

func (c *memConversations) Bind(_ context.Context, contributionID, conversationID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return "", c.bindErr
	}
	c.binds++
	if existing, ok := c.bound[contributionID]; ok {
		return existing, nil
	}
	c.bound[contributionID] = conversationID
	return conversationID, nil
}

type failingAuth struct{}

func (failingAuth) SetAuthorizationHeader(*sip.Request) error {
	return errors.New("no credentials")
}

type panickingAuth struct{}

func (panickingAuth) SetAuthorizationHeader(*sip.Request) error {
	panic("authentication agent exploded")
}

type testEnv struct {
	env           SessionEnv
	transport     *fakeTransport
	media         *fakeMedia
	conversations *memConversations
}

const testConference = "sip:conference-factory@ims.example.com"

var testParticipants = []string{
	"tel:+33600000001",
	"tel:+33600000002",
	"sip:carol@ims.example.com",
}

func newTestEnv(t *testing.T, flags fakeFlags) *testEnv {
	t.Helper()
	transport := &fakeTransport{}
	mediaAlloc := &fakeMedia{}
	convs := newMemConversations()
	logger := testLogger()

	auth := NewAuthenticationAgent(Credentials{
		Username: "alice@ims.example.com",
		Password: "secret",
		Realm:    "ims.example.com",
	}, logger)

	return &testEnv{
		env: SessionEnv{
			Transport:     transport,
			Builder:       NewInviteBuilder(auth, "rcschat-test"),
			Keys:          fakeKeys{fp: "sha-256 AA:BB:CC"},
			Conversations: NewConversationResolver(convs, transport, logger),
			Flags:         flags,
			Media:         mediaAlloc,
			Addressing: DialogAddressing{
				LocalParty:       sip.Uri{Scheme: "sip", User: "alice", Host: "ims.example.com"},
				LocalDisplayName: "Alice",
				Contact:          sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060},
				LocalIP:          "10.0.0.1",
			},
			Setup:  media.SetupActive,
			Logger: logger,
			Now:    func() time.Time { return time.Unix(1700000000, 0) },
		},
		transport:     transport,
		media:         mediaAlloc,
		conversations: convs,
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			t.Fatal("result channel closed without a result")
		}
		if _, more := <-ch; more {
			t.Fatal("result channel delivered more than one result")
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session result")
	}
	return Result{}
}
