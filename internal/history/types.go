package history

import (
	"context"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultKeep is how many records a session retains before the oldest
// entries are dropped.
const DefaultKeep = 50

// Record is one conversational entry, either side of an exchange.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists per-session conversation history. Implementations trim
// each session to the keep limit on write.
type Store interface {
	Append(ctx context.Context, record Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Purge(ctx context.Context, sessionID string) error
	Close() error
}

// ContextLines renders records as "role: content" lines for prompt assembly,
// oldest first.
func ContextLines(records []Record) []string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s: %s", r.Role, r.Content))
	}
	return lines
}
