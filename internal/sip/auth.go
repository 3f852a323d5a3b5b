package sip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const authAlgoMD5 = "MD5"

// Credentials identify the local user toward the IMS core.
type Credentials struct {
	// Username is the IMS private identity used in digest computation.
	Username string
	Password string
	// Realm is the home network domain.
	Realm string
}

// AuthenticationAgent computes the Authorization header for outgoing
// requests. Before the first challenge it sends the unprotected initial
// header carrying only the private identity; afterwards it answers the
// last challenge received.
type AuthenticationAgent struct {
	creds  Credentials
	logger *slog.Logger

	mu         sync.Mutex
	challenge  *digest.Challenge
	headerName string
	nonceCount int
}

// NewAuthenticationAgent creates an agent for creds.
func NewAuthenticationAgent(creds Credentials, logger *slog.Logger) *AuthenticationAgent {
	return &AuthenticationAgent{
		creds:      creds,
		logger:     logger.With("subsystem", "auth"),
		headerName: "Authorization",
	}
}

// UpdateChallenge stores the digest challenge carried by a 401 or 407
// response so the next request can answer it.
func (a *AuthenticationAgent) UpdateChallenge(res *sip.Response) error {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("parsing auth challenge: %w", err)
	}

	a.mu.Lock()
	a.challenge = chal
	a.headerName = authzHeader
	a.nonceCount = 0
	a.mu.Unlock()

	a.logger.Debug("auth challenge stored",
		"realm", chal.Realm,
		"header", authzHeader,
	)
	return nil
}

// SetAuthorizationHeader computes the credentials for req and appends
// them as an Authorization (or Proxy-Authorization) header.
func (a *AuthenticationAgent) SetAuthorizationHeader(req *sip.Request) error {
	if req == nil {
		return ErrNilRequest
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	uri := req.Recipient.String()

	if a.challenge == nil {
		cred := digest.Credentials{
			Username:  a.creds.Username,
			Realm:     a.creds.Realm,
			URI:       uri,
			Algorithm: authAlgoMD5,
		}
		req.AppendHeader(sip.NewHeader(a.headerName, cred.String()))
		return nil
	}

	a.nonceCount++
	cred, err := digest.Digest(a.challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: a.creds.Username,
		Password: a.creds.Password,
		Count:    a.nonceCount,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}
	req.AppendHeader(sip.NewHeader(a.headerName, cred.String()))
	return nil
}
