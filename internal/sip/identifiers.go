package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// contributionNamespace scopes name-based contribution ids so they never
// collide with UUIDs derived for other purposes.
var contributionNamespace = uuid.MustParse("6f3c2a9e-1b47-5d2e-9a0c-7e51d4b8c320")

// ContributionID derives the chat thread identifier from a SIP Call-ID.
// The mapping is one-way and deterministic.
func ContributionID(callID string) string {
	return uuid.NewSHA1(contributionNamespace, []byte(callID)).String()
}

// ConversationStore persists contribution to conversation bindings.
// Bind stores the pair if contributionID is unbound and returns whichever
// conversation id ends up bound.
type ConversationStore interface {
	GetConversationID(ctx context.Context, contributionID string) (string, error)
	Bind(ctx context.Context, contributionID, conversationID string) (string, error)
}

// CallIDGenerator produces fresh transport-level call identifiers.
type CallIDGenerator interface {
	GenerateCallID() string
}

// ConversationResolver looks up or allocates the CPM conversation id for a
// contribution id. Resolution for one contribution id is serialized so
// concurrent session construction observes a single binding.
type ConversationResolver struct {
	store   ConversationStore
	callIDs CallIDGenerator
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationResolver creates a resolver backed by store.
func NewConversationResolver(store ConversationStore, callIDs CallIDGenerator, logger *slog.Logger) *ConversationResolver {
	return &ConversationResolver{
		store:   store,
		callIDs: callIDs,
		logger:  logger.With("subsystem", "conversation"),
		locks:   make(map[string]*keyLock),
	}
}

// Resolve returns the conversation id bound to contributionID, binding a
// newly derived one when none exists. Store failures are wrapped with
// ErrIdentifierResolution.
func (r *ConversationResolver) Resolve(ctx context.Context, contributionID string) (string, error) {
	if contributionID == "" {
		return "", fmt.Errorf("%w: empty contribution id", ErrIdentifierResolution)
	}

	unlock := r.lock(contributionID)
	defer unlock()

	existing, err := r.store.GetConversationID(ctx, contributionID)
	if err != nil {
		return "", fmt.Errorf("%w: looking up conversation: %v", ErrIdentifierResolution, err)
	}
	if existing != "" {
		r.logger.Debug("reusing conversation id",
			"contribution_id", contributionID,
			"conversation_id", existing,
		)
		return existing, nil
	}

	callID := r.callIDs.GenerateCallID()
	candidate := ContributionID(callID)

	bound, err := r.store.Bind(ctx, contributionID, candidate)
	if err != nil {
		return "", fmt.Errorf("%w: binding conversation: %v", ErrIdentifierResolution, err)
	}

	r.logger.Info("conversation id bound",
		"contribution_id", contributionID,
		"conversation_id", bound,
		"call_id", callID,
	)
	return bound, nil
}

// lock acquires the per-contribution lock and returns its release func.
func (r *ConversationResolver) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
