package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/example/parkpos/backend/internal/code"
	"github.com/example/parkpos/backend/internal/fee"
	"github.com/example/parkpos/backend/internal/metrics"
	"github.com/example/parkpos/backend/internal/models"
	"github.com/example/parkpos/backend/internal/mq"
	"github.com/example/parkpos/backend/internal/repository"
)

var (
	// ErrTicketNotFound is returned when no stored ticket matches the reference.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrDuplicateID means the id generator produced an id that is already stored.
	ErrDuplicateID = errors.New("ticket id collision")
	// ErrStorageUnavailable is returned once the bounded store retries are exhausted.
	ErrStorageUnavailable = errors.New("ticket storage unavailable")
)

// TicketView is the outbound shape of a ticket: the stored record plus its QR payload.
type TicketView struct {
	models.Ticket
	QRPayload string `json:"qrPayload"`
}

func newView(t models.Ticket) *TicketView {
	return &TicketView{Ticket: t, QRPayload: code.Encode(t.ID)}
}

// FeeQuote is the fee a ticket owes as of AsOf. For paid tickets it is the recorded fee.
type FeeQuote struct {
	TicketID uuid.UUID           `json:"ticketId"`
	Status   models.TicketStatus `json:"status"`
	AsOf     time.Time           `json:"asOf"`
	fee.Quote
}

// TicketService issues and checks out parking tickets. It is the only
// component that mutates tickets, and it does so only through the store's
// compare-and-swap.
type TicketService struct {
	store   repository.TicketStore
	policy  fee.Policy
	events  mq.Publisher
	metrics *metrics.Collector
	logger  *slog.Logger

	clock func() time.Time
	newID func() uuid.UUID

	retryAttempts int
	retryBackoff  time.Duration
	storeTimeout  time.Duration
}

// Option configures a TicketService.
type Option func(*TicketService)

// WithLogger sets the structured logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TicketService) { s.logger = logger }
}

// WithMetrics records issue, checkout and retry counts on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *TicketService) { s.metrics = c }
}

// WithClock replaces time.Now as the source of entry and checkout times.
func WithClock(now func() time.Time) Option {
	return func(s *TicketService) { s.clock = now }
}

// WithIDGenerator replaces uuid.New as the source of ticket ids.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *TicketService) { s.newID = newID }
}

// WithRetry bounds how often an unavailable store call is attempted.
// The wait before retry n is n*backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *TicketService) {
		if attempts < 1 {
			attempts = 1
		}
		s.retryAttempts = attempts
		s.retryBackoff = backoff
	}
}

// WithStoreTimeout bounds each individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *TicketService) { s.storeTimeout = d }
}

// NewTicketService builds a service with dependencies. publisher may be nil.
func NewTicketService(store repository.TicketStore, policy fee.Policy, publisher mq.Publisher, opts ...Option) *TicketService {
	s := &TicketService{
		store:         store,
		policy:        policy,
		events:        publisher,
		logger:        slog.Default(),
		clock:         time.Now,
		newID:         uuid.New,
		retryAttempts: 3,
		retryBackoff:  100 * time.Millisecond,
		storeTimeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveTicketID accepts either a scanned code payload or a bare ticket id.
func ResolveTicketID(ref string) (uuid.UUID, error) {
	ref = strings.TrimSpace(ref)
	if code.IsCode(ref) {
		return code.Decode(ref)
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, errors.Wrapf(code.ErrMalformedCode, "%q is neither a ticket code nor a ticket id", ref)
	}
	return id, nil
}

// IssueTicket opens a ticket for a vehicle entering now.
func (s *TicketService) IssueTicket(ctx context.Context, vehicleType fee.VehicleType, issuedByID string) (*TicketView, error) {
	if !s.policy.Supports(vehicleType) {
		return nil, errors.Wrapf(fee.ErrUnknownVehicleType, "%q", vehicleType)
	}

	ticket := models.NewTicket(s.newID(), vehicleType, issuedByID, s.now())
	attempts, err := s.withRetry(ctx, "create", func(ctx context.Context) error {
		return s.store.Create(ctx, &ticket)
	})
	// a retried create may collide with its own earlier, unacknowledged write
	if err != nil && !(attempts > 1 && errors.Is(err, repository.ErrDuplicateID) && s.isStored(ctx, ticket)) {
		return nil, s.storeError(err, ticket.ID)
	}

	s.metrics.Issued(string(vehicleType))
	s.logger.Info("ticket issued",
		"ticket_id", ticket.ID, "vehicle_type", vehicleType, "issued_by", issuedByID)
	s.publishEvent(ctx, mq.EventTicketIssued, ticket)
	return newView(ticket), nil
}

// CheckoutTicket pays the ticket identified by ref (a code payload or id).
// The fee and duration are always computed here from the stored entry time.
func (s *TicketService) CheckoutTicket(ctx context.Context, ref, checkedOutByID string) (*TicketView, error) {
	id, err := ResolveTicketID(ref)
	if err != nil {
		s.metrics.Checkout(metrics.OutcomeRejected)
		return nil, err
	}

	paid, err := s.checkout(ctx, id, s.now(), checkedOutByID)
	if err != nil {
		s.metrics.Checkout(checkoutOutcome(err))
		s.logger.Info("checkout rejected", "ticket_id", id, "checked_out_by", checkedOutByID, "error", err)
		return nil, err
	}

	s.metrics.Paid(string(paid.VehicleType), *paid.TotalFee, *paid.DurationMins)
	s.logger.Info("ticket paid",
		"ticket_id", id, "checked_out_by", checkedOutByID,
		"duration_mins", *paid.DurationMins, "total_fee", *paid.TotalFee)
	s.publishEvent(ctx, mq.EventTicketPaid, *paid)
	return newView(*paid), nil
}

func (s *TicketService) checkout(ctx context.Context, id uuid.UUID, at time.Time, checkedOutByID string) (*models.Ticket, error) {
	retried := false
	for round := 0; round < 2; round++ {
		current, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := current.Checkout(s.policy, at, checkedOutByID)
		if err != nil {
			if retried && errors.Is(err, models.ErrAlreadyPaid) && isOwnCheckout(*current, at, checkedOutByID) {
				return current, nil
			}
			return nil, err
		}

		attempts, err := s.withRetry(ctx, "compare-and-swap", func(ctx context.Context) error {
			return s.store.CompareAndSwap(ctx, id, models.TicketStatusOpen, &next)
		})
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, s.storeError(err, id)
		}
		retried = attempts > 1
	}
	return nil, errors.Wrapf(models.ErrAlreadyPaid, "ticket %s", id)
}

// GetTicket returns the ticket identified by ref (a code payload or id).
func (s *TicketService) GetTicket(ctx context.Context, ref string) (*TicketView, error) {
	id, err := ResolveTicketID(ref)
	if err != nil {
		return nil, err
	}
	ticket, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return newView(*ticket), nil
}

// QuoteFee reports what an open ticket would owe if checked out now, without
// changing it. Paid tickets report their recorded fee.
func (s *TicketService) QuoteFee(ctx context.Context, ref string) (*FeeQuote, error) {
	id, err := ResolveTicketID(ref)
	if err != nil {
		return nil, err
	}
	ticket, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.IsPaid() {
		return &FeeQuote{
			TicketID: id,
			Status:   ticket.Status,
			AsOf:     *ticket.CheckoutTime,
			Quote:    fee.Quote{DurationMins: *ticket.DurationMins, Amount: *ticket.TotalFee},
		}, nil
	}
	asOf := s.now()
	quote, err := s.policy.Compute(ticket.VehicleType, ticket.EntryTime, asOf)
	if err != nil {
		return nil, errors.Wrapf(err, "ticket %s", id)
	}
	return &FeeQuote{TicketID: id, Status: ticket.Status, AsOf: asOf, Quote: quote}, nil
}

// ListTickets returns the most recently issued tickets first.
func (s *TicketService) ListTickets(ctx context.Context, limit int) ([]TicketView, error) {
	var tickets []models.Ticket
	_, err := s.withRetry(ctx, "list", func(ctx context.Context) error {
		var err error
		tickets, err = s.store.List(ctx, limit)
		return err
	})
	if err != nil {
		return nil, s.storeError(err, uuid.Nil)
	}
	views := make([]TicketView, len(tickets))
	for i, t := range tickets {
		views[i] = *newView(t)
	}
	return views, nil
}

func (s *TicketService) find(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var ticket *models.Ticket
	_, err := s.withRetry(ctx, "find", func(ctx context.Context) error {
		var err error
		ticket, err = s.store.FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.storeError(err, id)
	}
	return ticket, nil
}

// withRetry runs fn under the per-call timeout, retrying only ErrUnavailable.
// It returns the number of attempts made.
func (s *TicketService) withRetry(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, repository.ErrUnavailable) || attempt >= s.retryAttempts {
			return attempt, err
		}

		s.metrics.StoreRetry(op)
		s.logger.Warn("ticket store unavailable, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(s.retryBackoff * time.Duration(attempt)):
		}
	}
}

func (s *TicketService) storeError(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return errors.Wrapf(ErrTicketNotFound, "ticket %s", id)
	case errors.Is(err, repository.ErrDuplicateID):
		s.logger.Error("ticket id collision", "ticket_id", id, "error", err)
		return errors.Wrapf(ErrDuplicateID, "ticket %s", id)
	case errors.Is(err, repository.ErrConflict):
		return errors.Wrapf(models.ErrAlreadyPaid, "ticket %s", id)
	default:
		s.logger.Error("ticket store failed", "ticket_id", id, "error", err)
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
}

func (s *TicketService) isStored(ctx context.Context, want models.Ticket) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	got, err := s.store.FindByID(callCtx, want.ID)
	return err == nil &&
		got.VehicleType == want.VehicleType &&
		got.IssuedByID == want.IssuedByID &&
		got.EntryTime.Equal(want.EntryTime)
}

func isOwnCheckout(t models.Ticket, at time.Time, checkedOutByID string) bool {
	return t.CheckoutTime != nil && t.CheckoutTime.Equal(at) &&
		t.CheckedOutByID != nil && *t.CheckedOutByID == checkedOutByID
}

// now reads the clock once, at the precision the relational store keeps.
func (s *TicketService) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *TicketService) publishEvent(ctx context.Context, event string, t models.Ticket) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"event":       event,
		"ticketId":    t.ID.String(),
		"vehicleType": t.VehicleType,
		"status":      t.Status,
		"issuedById":  t.IssuedByID,
		"entryTime":   t.EntryTime.Format(time.RFC3339Nano),
		"occurredAt":  t.EntryTime.Format(time.RFC3339Nano),
	}
	if t.IsPaid() {
		payload["checkedOutById"] = *t.CheckedOutByID
		payload["checkoutTime"] = t.CheckoutTime.Format(time.RFC3339Nano)
		payload["totalFee"] = *t.TotalFee
		payload["durationMins"] = *t.DurationMins
		payload["occurredAt"] = payload["checkoutTime"]
	}
	if err := s.events.Publish(ctx, event, payload); err != nil {
		s.logger.Warn("publish event failed", "event", event, "ticket_id", t.ID, "error", err)
	}
}

func checkoutOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrAlreadyPaid):
		return metrics.OutcomeAlreadyPaid
	case errors.Is(err, ErrTicketNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, fee.ErrInvalidDuration), errors.Is(err, fee.ErrUnknownVehicleType):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
