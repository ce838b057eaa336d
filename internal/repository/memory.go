package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/example/parkpos/backend/internal/models"
)

// MemoryStore is a process-local TicketStore for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]models.Ticket
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[uuid.UUID]models.Ticket)}
}

// Create stores a copy of ticket.
func (s *MemoryStore) Create(ctx context.Context, ticket *models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "create ticket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "ticket %s", ticket.ID)
	}
	s.tickets[ticket.ID] = *ticket
	return nil
}

// FindByID returns a copy of the stored ticket.
func (s *MemoryStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "find ticket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "ticket %s", id)
	}
	return &ticket, nil
}

// CompareAndSwap replaces the ticket while holding the store lock.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.TicketStatus, next *models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "update ticket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tickets[id]
	if !ok || current.Status != expected {
		return errors.Wrapf(ErrConflict, "ticket %s is not %s", id, expected)
	}
	s.tickets[id] = *next
	return nil
}

// List returns copies of the newest tickets by entry time.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "list tickets")
	}
	s.mu.Lock()
	out := make([]models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
