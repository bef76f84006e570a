package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Session groups the message forest of one conversation and carries the
// denormalized fields list views need without loading messages.
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`
	Title   string `json:"title,omitempty"`

	// CurrentLeafID points at the tip of the active branch.
	CurrentLeafID MessageID `json:"current_leaf_id"`

	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageRole    Role      `json:"last_message_role,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at,omitempty"`
	MessageCount       int       `json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSession(ownerID string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const previewLength = 120

// TouchPreview updates the denormalized last-message fields from msg.
func (s *Session) TouchPreview(msg *Message) {
	preview := msg.Content
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	s.LastMessagePreview = preview
	s.LastMessageRole = msg.Role
	s.LastMessageAt = msg.UpdatedAt
	s.UpdatedAt = time.Now()
}
