package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/example/parkpos/backend/internal/fee"
)

// TicketStatus describes the life-cycle state of a parking ticket.
type TicketStatus string

const (
	TicketStatusOpen TicketStatus = "OPEN"
	TicketStatusPaid TicketStatus = "PAID"
)

// ErrAlreadyPaid is returned when checking out a ticket that is no longer open.
var ErrAlreadyPaid = errors.New("ticket already paid")

// Ticket is one vehicle's parking session, persisted one row per ticket.
//
// The checkout fields are nil while the ticket is open and are all set by
// Checkout in a single step.
type Ticket struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	VehicleType    fee.VehicleType `gorm:"type:varchar(32);not null" json:"vehicleType"`
	IssuedByID     string          `gorm:"not null" json:"issuedById"`
	EntryTime      time.Time       `gorm:"not null;index" json:"entryTime"`
	Status         TicketStatus    `gorm:"type:varchar(16);not null" json:"status"`
	CheckedOutByID *string         `json:"checkedOutById,omitempty"`
	CheckoutTime   *time.Time      `json:"checkoutTime,omitempty"`
	TotalFee       *int64          `json:"totalFee,omitempty"`
	DurationMins   *int64          `json:"durationMins,omitempty"`
}

// NewTicket returns an open ticket entered at the given time.
func NewTicket(id uuid.UUID, vehicleType fee.VehicleType, issuedByID string, entryTime time.Time) Ticket {
	return Ticket{
		ID:          id,
		VehicleType: vehicleType,
		IssuedByID:  issuedByID,
		EntryTime:   entryTime,
		Status:      TicketStatusOpen,
	}
}

// IsPaid reports whether the ticket has been checked out.
func (t Ticket) IsPaid() bool {
	return t.Status == TicketStatusPaid
}

// Checkout applies the OPEN to PAID transition and returns the paid ticket.
// The receiver is never modified, so a failed checkout leaves no trace.
func (t Ticket) Checkout(policy fee.Policy, at time.Time, checkedOutByID string) (Ticket, error) {
	if t.Status != TicketStatusOpen {
		return t, errors.Wrapf(ErrAlreadyPaid, "ticket %s is %s", t.ID, t.Status)
	}
	quote, err := policy.Compute(t.VehicleType, t.EntryTime, at)
	if err != nil {
		return t, errors.Wrapf(err, "ticket %s", t.ID)
	}

	paid := t
	paid.Status = TicketStatusPaid
	paid.CheckedOutByID = &checkedOutByID
	paid.CheckoutTime = &at
	paid.TotalFee = &quote.Amount
	paid.DurationMins = &quote.DurationMins
	return paid, nil
}
