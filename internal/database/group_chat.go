package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/rcschat/internal/database/models"
)

// groupChatRepo implements GroupChatRepository.
type groupChatRepo struct {
	db *DB
}

// NewGroupChatRepository creates a new GroupChatRepository.
func NewGroupChatRepository(db *DB) GroupChatRepository {
	return &groupChatRepo{db: db}
}

const groupChatColumns = `id, contribution_id, conversation_id, conference_id, subject, participants,
	call_id, state, error_code, error_message, created_at, updated_at`

// Create inserts a new group chat record and sets its ID.
func (r *groupChatRepo) Create(ctx context.Context, chat *models.GroupChat) error {
	if chat.Participants == "" {
		chat.Participants = "[]"
	}
	if chat.State == "" {
		chat.State = "idle"
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO group_chats (contribution_id, conversation_id, conference_id, subject,
		 participants, call_id, state, error_code, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ContributionID, chat.ConversationID, chat.ConferenceID, chat.Subject,
		chat.Participants, chat.CallID, chat.State, chat.ErrorCode, chat.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting group chat: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	chat.ID = id
	return nil
}

// GetByContributionID returns the group chat for a contribution id, or nil
// if none exists.
func (r *groupChatRepo) GetByContributionID(ctx context.Context, contributionID string) (*models.GroupChat, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+groupChatColumns+` FROM group_chats WHERE contribution_id = ?`, contributionID)

	chat, err := scanGroupChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying group chat by contribution id: %w", err)
	}
	return chat, nil
}

// ListRecent returns a page of group chats, newest first.
func (r *groupChatRepo) ListRecent(ctx context.Context, limit, offset int) ([]models.GroupChat, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+groupChatColumns+` FROM group_chats ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying group chats: %w", err)
	}
	defer rows.Close()

	var chats []models.GroupChat
	for rows.Next() {
		chat, err := scanGroupChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// Count returns the total number of recorded group chats.
func (r *groupChatRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_chats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting group chats: %w", err)
	}
	return n, nil
}

// UpdateState records the latest attempt outcome for a group chat.
func (r *groupChatRepo) UpdateState(ctx context.Context, contributionID, callID, state string, errorCode int, errorMessage string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE group_chats SET call_id = ?, state = ?, error_code = ?, error_message = ?,
		 updated_at = datetime('now') WHERE contribution_id = ?`,
		callID, state, errorCode, errorMessage, contributionID,
	)
	if err != nil {
		return fmt.Errorf("updating group chat state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating group chat state: no chat for contribution id %q", contributionID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroupChat(s rowScanner) (*models.GroupChat, error) {
	var c models.GroupChat
	if err := s.Scan(&c.ID, &c.ContributionID, &c.ConversationID, &c.ConferenceID, &c.Subject,
		&c.Participants, &c.CallID, &c.State, &c.ErrorCode, &c.ErrorMessage,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
