// Package sessions persists chat sessions and their message history.
package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/quayside/ferry/pkg/models"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. The store is the
// single authority on which roles may enter history: anything outside
// {user, assistant} is rejected so tool and reasoning content never
// contaminates future turns.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	UpdateModel(ctx context.Context, id, model string) error
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	List(ctx context.Context, limit int) ([]*models.Session, error)
	Close() error
}

func validateRole(role models.Role) error {
	if !models.ValidRole(role) {
		return fmt.Errorf("sessions: role %q not allowed in history", role)
	}
	return nil
}
