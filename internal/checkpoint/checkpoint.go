// Package checkpoint persists per-thread conversation history between
// turns. One checkpoint exists per thread id; it is created on the first
// completed turn, overwritten after every later turn, and removed on reset.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// Checkpoint is the stored state of one thread.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	Revision  uuid.UUID `json:"revision"` // changes on every save
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []llm.Message `json:"messages,omitempty"`

	// Metadata
	MessageCount int   `json:"message_count"`
	ByteSize     int64 `json:"byte_size"` // compressed size, SQLite only
}

// Summary returns a one-line description for listings.
func (c *Checkpoint) Summary() string {
	return fmt.Sprintf("%s | %s | %s | %s",
		c.ThreadID,
		c.Revision.String()[:8],
		c.UpdatedAt.Format("2006-01-02 15:04"),
		formatCount(c.MessageCount, "msg"),
	)
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Store persists checkpoints keyed by thread id.
type Store interface {
	// Load returns the checkpoint for threadID, or nil when none exists.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Save replaces the thread's history and returns the new checkpoint.
	Save(ctx context.Context, threadID string, messages []llm.Message) (*Checkpoint, error)

	// Delete removes the thread's checkpoint. Deleting a missing thread
	// is not an error.
	Delete(ctx context.Context, threadID string) error

	// List returns checkpoint metadata, most recently updated first,
	// without message bodies.
	List(ctx context.Context, limit int) ([]*Checkpoint, error)
}

func validThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	return nil
}
