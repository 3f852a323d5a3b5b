package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/rcschat/internal/config"
	"github.com/google/uuid"
)

// UserAgentName is sent in User-Agent and Server headers.
const UserAgentName = "rcschat"

// TLSIdentity is the certificate presented by the SIP TLS listener.
type TLSIdentity interface {
	Certificate() tls.Certificate
	Ephemeral() bool
}

// Stack wraps the sipgo user agent: a client for originating requests and
// a listener that answers keepalive OPTIONS on the contact address.
type Stack struct {
	cfg      *config.Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	localIP  string
	identity TLSIdentity
	tracer   *MessageTracer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewStack creates the SIP user agent, client and server. identity is only
// used by the tls transport.
func NewStack(cfg *config.Config, identity TLSIdentity, logger *slog.Logger) (*Stack, error) {
	logger = logger.With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(UserAgentName),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := &Stack{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		localIP:  cfg.MediaIP(),
		identity: identity,
		logger:   logger,
	}
	if level := ParseTraceLevel(cfg.SIPTrace); level != TraceOff {
		s.tracer = NewMessageTracer(logger, level)
		sip.SIPDebugTracer(s.tracer)
		logger.Info("sip message tracing enabled", "level", level.String())
	}
	s.srv.OnOptions(s.handleOptions)
	return s, nil
}

// Start begins listening on the configured transport. The listener runs
// until ctx is cancelled or Stop is called.
func (s *Stack) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	network := strings.ToLower(s.cfg.SIPTransport)
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	if network == "tls" {
		if s.identity == nil || s.identity.Ephemeral() {
			s.cancel()
			return fmt.Errorf("sip tls transport requires tls-cert and tls-key")
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{s.identity.Certificate()},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tls listener starting", "addr", addr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", addr, tlsCfg); err != nil {
				s.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", network, "addr", addr)
		if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
			s.logger.Error("sip listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the listener and waits for it to exit.
func (s *Stack) Stop() {
	s.logger.Info("stopping sip stack")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip stack stopped")
}

// LocalIP returns the address advertised in Contact and SDP.
func (s *Stack) LocalIP() string {
	return s.localIP
}

// GenerateCallID returns a new globally unique Call-ID.
func (s *Stack) GenerateCallID() string {
	return uuid.NewString() + "@" + s.localIP
}

// Addressing returns the dialog addressing derived from configuration.
func (s *Stack) Addressing() (DialogAddressing, error) {
	return AddressingFromConfig(s.cfg, s.localIP)
}

// SendRequest starts a client transaction for req. Missing Via and
// transaction headers are filled in by sipgo; requests go to the outbound
// proxy when one is configured.
func (s *Stack) SendRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	req.SetTransport(strings.ToUpper(s.cfg.SIPTransport))
	if s.cfg.ProxyHost != "" {
		req.SetDestination(net.JoinHostPort(s.cfg.ProxyHost, strconv.Itoa(s.cfg.ProxyPort)))
	}

	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("starting client transaction: %w", err)
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip request sent",
		"method", req.Method.String(),
		"call_id", callID,
		"recipient", req.Recipient.String(),
	)
	return tx, nil
}

// AddressingFromConfig builds the static dialog addressing for the
// configured identity.
func AddressingFromConfig(cfg *config.Config, localIP string) (DialogAddressing, error) {
	if cfg.Username == "" || cfg.Domain == "" {
		return DialogAddressing{}, fmt.Errorf("username and domain are required to originate sessions")
	}

	addr := DialogAddressing{
		LocalParty:       sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.Domain},
		LocalDisplayName: cfg.DisplayName,
		Contact:          sip.Uri{Scheme: "sip", User: cfg.Username, Host: localIP, Port: cfg.SIPPort},
		LocalIP:          localIP,
	}
	if cfg.ProxyHost != "" {
		addr.Route = &sip.Uri{Scheme: "sip", Host: cfg.ProxyHost, Port: cfg.ProxyPort}
	}
	return addr, nil
}

// handleOptions answers keepalive OPTIONS with our capabilities.
func (s *Stack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp, multipart/mixed"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	contact := sip.Uri{Scheme: "sip", Host: s.localIP, Port: s.cfg.SIPPort}
	res.AppendHeader(sip.NewHeader("Contact", "<"+contact.String()+">"+CPMFeatureTags().Params()))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
