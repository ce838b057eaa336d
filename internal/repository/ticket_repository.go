package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/parkpos/backend/internal/models"
)

// TicketRepository is the relational TicketStore. Checkout atomicity comes from
// a conditional UPDATE guarded by the expected status.
//
// The gorm.DB must be opened with TranslateError so duplicate keys surface as
// gorm.ErrDuplicatedKey.
type TicketRepository struct {
	db *gorm.DB
}

// NewTicketRepository constructs a repository using the provided gorm DB.
func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create persists the ticket instance.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	err := r.db.WithContext(ctx).Create(ticket).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrapf(ErrDuplicateID, "ticket %s", ticket.ID)
	default:
		return unavailable(err, "create ticket")
	}
}

// FindByID returns the ticket by id.
func (r *TicketRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.db.WithContext(ctx).First(&ticket, "id = ?", id).Error
	switch {
	case err == nil:
		return &ticket, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, errors.Wrapf(ErrNotFound, "ticket %s", id)
	default:
		return nil, unavailable(err, "find ticket")
	}
}

// CompareAndSwap writes the checkout columns of next if the row still has the expected status.
func (r *TicketRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.TicketStatus, next *models.Ticket) error {
	res := r.db.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]any{
			"status":            next.Status,
			"checked_out_by_id": next.CheckedOutByID,
			"checkout_time":     next.CheckoutTime,
			"total_fee":         next.TotalFee,
			"duration_mins":     next.DurationMins,
		})
	if res.Error != nil {
		return unavailable(res.Error, "update ticket")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "ticket %s is not %s", id, expected)
	}
	return nil
}

// List returns tickets ordered by entry time descending.
func (r *TicketRepository) List(ctx context.Context, limit int) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := r.db.WithContext(ctx).Order("entry_time desc").Limit(normalizeLimit(limit)).Find(&tickets).Error
	if err != nil {
		return nil, unavailable(err, "list tickets")
	}
	return tickets, nil
}
