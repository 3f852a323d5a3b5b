package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Conversation binds a chat contribution id to its CPM conversation id.
type Conversation struct {
	ID             int64
	ContributionID string
	ConversationID string
	CreatedAt      time.Time
}

// GroupChat is the history record of an originated ad-hoc group chat.
type GroupChat struct {
	ID             int64
	ContributionID string
	ConversationID string
	ConferenceID   string
	Subject        string
	Participants   string // JSON array of participant URIs
	CallID         string
	State          string // "idle", "building", "sent", "failed"
	ErrorCode      int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
