package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/rcschat/internal/media"
	"github.com/looplab/fsm"
)

// Session lifecycle states.
const (
	StateIdle     = "idle"
	StateBuilding = "building"
	StateSent     = "sent"
	StateFailed   = "failed"
)

const (
	eventBuild = "build"
	eventSend  = "send"
	eventFail  = "fail"
)

// Default MSRP content types offered in the SDP.
const (
	DefaultAcceptTypes  = "message/cpim application/im-iscomposing+xml"
	DefaultWrappedTypes = "text/plain message/imdn+xml"
)

// Transport sends requests and hands out call identifiers.
type Transport interface {
	CallIDGenerator
	SendRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// FingerprintSource returns the local certificate fingerprint.
type FingerprintSource interface {
	Fingerprint() (string, error)
}

// FeatureFlags are the messaging settings consulted while originating.
type FeatureFlags interface {
	CPMSupported(ctx context.Context) bool
	CarrierCompatibility(ctx context.Context) bool
	SecureMessaging(ctx context.Context) bool
}

// MediaAllocator binds local MSRP endpoints.
type MediaAllocator interface {
	Allocate(secure bool) (*media.MSRPEndpoint, error)
	Release(ep *media.MSRPEndpoint)
}

// SessionEnv carries the collaborators shared by all originating sessions.
type SessionEnv struct {
	Transport     Transport
	Builder       *InviteBuilder
	Keys          FingerprintSource
	Conversations *ConversationResolver
	Flags         FeatureFlags
	Media         MediaAllocator

	// Addressing is copied into every dialog path; Target is replaced by
	// the session's conference URI.
	Addressing DialogAddressing

	Setup        media.SetupRole
	AcceptTypes  string
	WrappedTypes string

	Logger *slog.Logger

	// Now stamps SDP offers. Nil means time.Now.
	Now func() time.Time
}

// GroupChatParams describe an ad-hoc group chat to originate.
type GroupChatParams struct {
	// ConferenceID is the conference factory URI.
	ConferenceID string
	Subject      string
	Participants []string
}

// Result is the outcome of one session attempt. Exactly one of Tx and Err
// is set.
type Result struct {
	CallID string
	Invite *sip.Request
	Tx     sip.ClientTransaction
	Err    *ChatError
}

// OriginatingSession originates an ad-hoc group chat: it builds the
// multipart INVITE on its dialog path and hands it to the transport.
type OriginatingSession struct {
	env    SessionEnv
	logger *slog.Logger

	conferenceID   string
	target         sip.Uri
	subject        string
	participants   []string
	contributionID string
	conversationID string

	state *fsm.FSM

	mu       sync.Mutex
	dialog   *DialogPath
	endpoint *media.MSRPEndpoint
}

// NewOriginatingSession creates a session with a fresh dialog path. Under
// the CPM profile the conversation id is resolved before returning; a
// resolution failure fails construction.
func NewOriginatingSession(ctx context.Context, env SessionEnv, params GroupChatParams) (*OriginatingSession, error) {
	s, err := newBaseSession(env, params)
	if err != nil {
		return nil, err
	}

	s.dialog = s.newDialogPath(s.env.Transport.GenerateCallID())
	s.contributionID = ContributionID(s.dialog.CallID)
	s.logger = s.env.Logger.With("subsystem", "groupchat", "contribution_id", s.contributionID)

	if s.env.Flags.CPMSupported(ctx) {
		if s.env.Conversations == nil {
			return nil, fmt.Errorf("creating group chat session: %w: no conversation resolver", ErrIdentifierResolution)
		}
		conv, err := s.env.Conversations.Resolve(ctx, s.contributionID)
		if err != nil {
			return nil, fmt.Errorf("creating group chat session: %w", err)
		}
		s.conversationID = conv
	}

	s.initState()
	s.logger.Info("group chat session created",
		"conference_id", s.conferenceID,
		"call_id", s.dialog.CallID,
		"conversation_id", s.conversationID,
		"participants", len(s.participants),
	)
	return s, nil
}

// RestoreOriginatingSession rebuilds an idle session from recorded
// identifiers so a chat that is no longer in memory can be retried. The
// contribution and conversation ids are reused as recorded.
func RestoreOriginatingSession(env SessionEnv, params GroupChatParams, contributionID, conversationID, callID string) (*OriginatingSession, error) {
	if contributionID == "" || callID == "" {
		return nil, fmt.Errorf("%w: restoring session requires contribution and call ids", ErrInvalidRequest)
	}
	s, err := newBaseSession(env, params)
	if err != nil {
		return nil, err
	}

	s.dialog = s.newDialogPath(callID)
	s.contributionID = contributionID
	s.conversationID = conversationID
	s.logger = s.env.Logger.With("subsystem", "groupchat", "contribution_id", s.contributionID)

	s.initState()
	s.logger.Debug("group chat session restored", "call_id", callID)
	return s, nil
}

// newBaseSession validates params and fills env defaults.
func newBaseSession(env SessionEnv, params GroupChatParams) (*OriginatingSession, error) {
	if env.Transport == nil || env.Builder == nil || env.Flags == nil || env.Media == nil {
		return nil, fmt.Errorf("creating group chat session: incomplete session environment")
	}
	if len(params.Participants) == 0 {
		return nil, fmt.Errorf("creating group chat session: no participants")
	}

	var target sip.Uri
	if err := sip.ParseUri(params.ConferenceID, &target); err != nil {
		return nil, fmt.Errorf("%w: parsing conference uri %q: %v", ErrInvalidRequest, params.ConferenceID, err)
	}

	if env.AcceptTypes == "" {
		env.AcceptTypes = DefaultAcceptTypes
	}
	if env.WrappedTypes == "" {
		env.WrappedTypes = DefaultWrappedTypes
	}
	if env.Setup == "" {
		env.Setup = media.SetupActive
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Now == nil {
		env.Now = time.Now
	}

	return &OriginatingSession{
		env:          env,
		conferenceID: params.ConferenceID,
		target:       target,
		subject:      params.Subject,
		participants: append([]string(nil), params.Participants...),
	}, nil
}

func (s *OriginatingSession) initState() {
	s.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBuild, Src: []string{StateIdle, StateSent, StateFailed}, Dst: StateBuilding},
			{Name: eventSend, Src: []string{StateBuilding}, Dst: StateSent},
			{Name: eventFail, Src: []string{StateBuilding}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
}

func (s *OriginatingSession) newDialogPath(callID string) *DialogPath {
	addr := s.env.Addressing
	addr.Target = s.target
	return NewOriginatingDialogPath(callID, addr)
}

// ContributionID returns the chat thread identifier.
func (s *OriginatingSession) ContributionID() string { return s.contributionID }

// ConversationID returns the CPM conversation id, empty outside CPM.
func (s *OriginatingSession) ConversationID() string { return s.conversationID }

// ConferenceID returns the conference factory URI.
func (s *OriginatingSession) ConferenceID() string { return s.conferenceID }

// Subject returns the chat subject.
func (s *OriginatingSession) Subject() string { return s.subject }

// Participants returns a copy of the invited participants.
func (s *OriginatingSession) Participants() []string {
	return append([]string(nil), s.participants...)
}

// State returns the current lifecycle state.
func (s *OriginatingSession) State() string { return s.state.Current() }

// Dialog returns the current dialog path.
func (s *OriginatingSession) Dialog() *DialogPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// Start runs the initial attempt on the session's own dialog path in a new
// goroutine. The returned channel yields exactly one Result and is closed.
func (s *OriginatingSession) Start(ctx context.Context) <-chan Result {
	out, err := s.run(ctx, "")
	if err != nil {
		failed := make(chan Result, 1)
		failed <- Result{CallID: s.Dialog().CallID, Err: unexpectedError(err)}
		close(failed)
		return failed
	}
	return out
}

// Retry re-initializes the dialog path from callID and runs a new attempt,
// keeping the contribution and conversation ids. The attempt is claimed
// before Retry returns: an attempt already in progress yields
// ErrSessionBusy and no channel.
func (s *OriginatingSession) Retry(ctx context.Context, callID string) (<-chan Result, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: retry requires a call id", ErrInvalidRequest)
	}
	return s.run(ctx, callID)
}

func (s *OriginatingSession) run(ctx context.Context, callID string) (<-chan Result, error) {
	if err := s.state.Event(ctx, eventBuild); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)

		res := s.attempt(ctx, callID)

		event := eventSend
		if res.Err != nil {
			event = eventFail
		}
		// Use a fresh context so a cancelled attempt still leaves building.
		if err := s.state.Event(context.Background(), event); err != nil {
			s.logger.Error("session state transition failed", "event", event, "error", err)
		}
		out <- res
	}()
	return out, nil
}

// attempt builds and sends the INVITE. Every failure, including panics,
// is reported as a single unexpected-exception ChatError.
func (s *OriginatingSession) attempt(ctx context.Context, callID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during session initiation: %v", r)
			s.logger.Error("session initiation has failed", "error", err)
			s.abandon()
			res = Result{CallID: callID, Err: unexpectedError(err)}
		}
	}()

	s.logger.Info("initiating ad-hoc group chat session", "retry", callID != "")

	var (
		req *sip.Request
		err error
	)
	if callID != "" {
		req, err = s.createSipInviteWithCallID(ctx, callID)
	} else {
		req, err = s.createSipInvite(ctx)
	}
	dialogCallID := s.Dialog().CallID
	if err != nil {
		return s.failed(dialogCallID, err)
	}

	tx, err := s.sendInvite(ctx, req)
	if err != nil {
		return s.failed(dialogCallID, err)
	}

	s.logger.Info("group chat invite sent", "call_id", dialogCallID)
	return Result{CallID: dialogCallID, Invite: req, Tx: tx}
}

func (s *OriginatingSession) failed(callID string, err error) Result {
	s.logger.Error("session initiation has failed", "call_id", callID, "error", err)
	s.abandon()
	return Result{CallID: callID, Err: unexpectedError(err)}
}

// abandon drops the half-built request, its unsent body and the media
// endpoint of a failed attempt.
func (s *OriginatingSession) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog != nil {
		s.dialog.SetInvite(nil)
		s.dialog.SetLocalContent(nil)
	}
	if s.endpoint != nil {
		s.env.Media.Release(s.endpoint)
		s.endpoint = nil
	}
}

// createSipInviteWithCallID resets the dialog path to callID before
// building.
func (s *OriginatingSession) createSipInviteWithCallID(ctx context.Context, callID string) (*sip.Request, error) {
	s.mu.Lock()
	s.dialog = s.newDialogPath(callID)
	s.mu.Unlock()
	return s.createSipInvite(ctx)
}

// createSipInvite generates a new SDP offer and body, stores the body as
// the dialog's local content and builds the signed INVITE.
func (s *OriginatingSession) createSipInvite(ctx context.Context) (*sip.Request, error) {
	secure := s.env.Flags.SecureMessaging(ctx)

	ep, err := s.allocateEndpoint(secure)
	if err != nil {
		return nil, err
	}

	var fingerprint string
	if secure {
		if s.env.Keys == nil {
			return nil, fmt.Errorf("secure messaging enabled without a key store: %w", media.ErrMissingFingerprint)
		}
		fingerprint, err = s.env.Keys.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("reading certificate fingerprint: %w", err)
		}
	}

	dp := s.Dialog()
	s.logger.Debug("local setup attribute", "setup", s.env.Setup)

	sdp, err := media.BuildMessageOffer(media.MessageOffer{
		LocalIP:            dp.LocalIP,
		Port:               media.OfferPort(s.env.Setup, ep.Port),
		Protocol:           ep.Protocol(),
		Path:               ep.Path(),
		Setup:              s.env.Setup,
		AcceptTypes:        s.env.AcceptTypes,
		AcceptWrappedTypes: s.env.WrappedTypes,
		Secure:             secure,
		Fingerprint:        fingerprint,
		Now:                s.env.Now(),
	})
	if err != nil {
		return nil, err
	}

	body := GroupChatBody(sdp, s.participants)
	dp.SetLocalContent(body)

	req, err := s.buildRequest(ctx, dp, body)
	if err != nil {
		return nil, err
	}
	dp.SetInvite(req)
	return req, nil
}

// CreateInvite rebuilds the INVITE from the dialog's stored local content
// with the next CSeq, e.g. to answer an authentication challenge. The
// SDP offer is not regenerated.
func (s *OriginatingSession) CreateInvite(ctx context.Context) (*sip.Request, error) {
	dp := s.Dialog()
	body := dp.LocalContent()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: dialog has no local content", ErrInvalidRequest)
	}

	s.mu.Lock()
	dp.CSeq++
	s.mu.Unlock()

	req, err := s.buildRequest(ctx, dp, body)
	if err != nil {
		return nil, err
	}
	dp.SetInvite(req)
	return req, nil
}

func (s *OriginatingSession) buildRequest(ctx context.Context, dp *DialogPath, body []byte) (*sip.Request, error) {
	opts := InviteOptions{
		Tags:           StandardFeatureTags(),
		Subject:        s.subject,
		ContributionID: s.contributionID,
		Body:           body,
		Boundary:       Boundary,
	}
	cpm := s.env.Flags.CPMSupported(ctx)
	if cpm {
		opts.Tags = CPMFeatureTags()
		opts.ConversationID = s.conversationID
	}
	if s.env.Flags.CarrierCompatibility(ctx) {
		opts.CarrierTags = CarrierFeatureTags()
	}

	s.logger.Info("create invite", "cpm", cpm, "call_id", dp.CallID)
	return s.env.Builder.Build(dp, opts)
}

func (s *OriginatingSession) allocateEndpoint(secure bool) (*media.MSRPEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint != nil {
		s.env.Media.Release(s.endpoint)
		s.endpoint = nil
	}
	ep, err := s.env.Media.Allocate(secure)
	if err != nil {
		return nil, fmt.Errorf("allocating msrp endpoint: %w", err)
	}
	s.endpoint = ep
	return ep, nil
}

func (s *OriginatingSession) sendInvite(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	tx, err := s.env.Transport.SendRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}
	if tx == nil {
		return nil, errors.New("sending invite: transport returned no transaction")
	}
	return tx, nil
}

// Close releases the session's media endpoint.
func (s *OriginatingSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != nil {
		s.env.Media.Release(s.endpoint)
		s.endpoint = nil
	}
}
