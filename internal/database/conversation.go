package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// conversationRepo implements ConversationRepository.
type conversationRepo struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) ConversationRepository {
	return &conversationRepo{db: db}
}

// GetConversationID returns the conversation id bound to contributionID,
// or an empty string if there is none.
func (r *conversationRepo) GetConversationID(ctx context.Context, contributionID string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM conversations WHERE contribution_id = ?`, contributionID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying conversation by contribution id: %w", err)
	}
	return id, nil
}

// Bind inserts the pair if contributionID is unbound, then reads back the
// stored value. A concurrent or earlier binding always wins over the
// candidate, so the result is stable for the lifetime of the database.
func (r *conversationRepo) Bind(ctx context.Context, contributionID, conversationID string) (string, error) {
	if contributionID == "" || conversationID == "" {
		return "", fmt.Errorf("binding conversation: contribution and conversation ids are required")
	}

	var bound string
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (contribution_id, conversation_id)
			 VALUES (?, ?)
			 ON CONFLICT(contribution_id) DO NOTHING`,
			contributionID, conversationID,
		); err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT conversation_id FROM conversations WHERE contribution_id = ?`, contributionID,
		).Scan(&bound); err != nil {
			return fmt.Errorf("reading bound conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return bound, nil
}

// Count returns the number of bound conversations.
func (r *conversationRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}
