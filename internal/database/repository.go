package database

import (
	"context"

	"github.com/flowpbx/rcschat/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// ConversationRepository manages contribution id to conversation id
// bindings. A contribution id is bound at most once.
type ConversationRepository interface {
	// GetConversationID returns the bound conversation id, or "" if the
	// contribution id has no binding.
	GetConversationID(ctx context.Context, contributionID string) (string, error)
	// Bind records conversationID for contributionID unless a binding
	// already exists, and returns the binding that is in effect.
	Bind(ctx context.Context, contributionID, conversationID string) (string, error)
	Count(ctx context.Context) (int64, error)
}

// GroupChatRepository manages the history of originated group chats.
type GroupChatRepository interface {
	Create(ctx context.Context, chat *models.GroupChat) error
	GetByContributionID(ctx context.Context, contributionID string) (*models.GroupChat, error)
	ListRecent(ctx context.Context, limit, offset int) ([]models.GroupChat, error)
	Count(ctx context.Context) (int64, error)
	UpdateState(ctx context.Context, contributionID, callID, state string, errorCode int, errorMessage string) error
}
