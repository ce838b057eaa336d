package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/example/parkpos/backend/internal/models"
)

var (
	// ErrNotFound is returned when no ticket has the requested id.
	ErrNotFound = errors.New("ticket not found")
	// ErrDuplicateID is returned by Create when the id is already stored.
	ErrDuplicateID = errors.New("duplicate ticket id")
	// ErrConflict is returned by CompareAndSwap when the stored status differs from the expected one.
	ErrConflict = errors.New("ticket state conflict")
	// ErrUnavailable wraps every failure of the backing store itself.
	ErrUnavailable = errors.New("ticket store unavailable")
)

// TicketStore persists tickets keyed by id. Implementations must make
// CompareAndSwap linearizable per ticket across every process sharing the store.
type TicketStore interface {
	// Create stores a new ticket and fails with ErrDuplicateID rather than overwrite.
	Create(ctx context.Context, ticket *models.Ticket) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	// CompareAndSwap replaces the ticket with next only while its stored status is expected.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.TicketStatus, next *models.Ticket) error
	// List returns tickets by entry time, newest first.
	List(ctx context.Context, limit int) ([]models.Ticket, error)
}

// DefaultListLimit is the page size used when List is called without a positive limit.
const DefaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func unavailable(err error, op string) error {
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}
