package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parkpos/backend/internal/code"
	"github.com/example/parkpos/backend/internal/fee"
	"github.com/example/parkpos/backend/internal/metrics"
	"github.com/example/parkpos/backend/internal/models"
	"github.com/example/parkpos/backend/internal/mq"
	"github.com/example/parkpos/backend/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore injects unavailable errors in front of, or after, the real write.
type flakyStore struct {
	*repository.MemoryStore

	mu         sync.Mutex
	failCreate int
	lostCreate int
	failFind   int
	stallFind  int
	lostCAS    int
	casCalls   int
}

func (f *flakyStore) take(n *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (f *flakyStore) Create(ctx context.Context, t *models.Ticket) error {
	if f.take(&f.failCreate) {
		return errors.Wrap(repository.ErrUnavailable, "injected")
	}
	if err := f.MemoryStore.Create(ctx, t); err != nil {
		return err
	}
	if f.take(&f.lostCreate) {
		return errors.Wrap(repository.ErrUnavailable, "injected after commit")
	}
	return nil
}

func (f *flakyStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	if f.take(&f.failFind) {
		return nil, errors.Wrap(repository.ErrUnavailable, "injected")
	}
	if f.take(&f.stallFind) {
		<-ctx.Done()
		return nil, errors.Wrap(repository.ErrUnavailable, ctx.Err().Error())
	}
	return f.MemoryStore.FindByID(ctx, id)
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.TicketStatus, next *models.Ticket) error {
	f.mu.Lock()
	f.casCalls++
	f.mu.Unlock()
	if err := f.MemoryStore.CompareAndSwap(ctx, id, expected, next); err != nil {
		return err
	}
	if f.take(&f.lostCAS) {
		return errors.Wrap(repository.ErrUnavailable, "injected after commit")
	}
	return nil
}

type fixture struct {
	svc      *TicketService
	store    *flakyStore
	clock    *fakeClock
	events   *mq.Recorder
	registry *prometheus.Registry
	policy   fee.RateTable
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    &flakyStore{MemoryStore: repository.NewMemoryStore()},
		clock:    &fakeClock{now: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)},
		events:   &mq.Recorder{},
		registry: prometheus.NewRegistry(),
		policy:   fee.DefaultRateTable(),
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.NewCollector(f.registry)),
		WithRetry(3, time.Millisecond),
	}
	f.svc = NewTicketService(f.store, f.policy, f.events, append(base, opts...)...)
	return f
}

func TestIssueTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusOpen, view.Status)
	assert.Equal(t, f.clock.Now(), view.EntryTime)
	assert.Equal(t, "S1", view.IssuedByID)
	assert.Nil(t, view.TotalFee)
	assert.Nil(t, view.CheckoutTime)
	assert.Nil(t, view.DurationMins)

	id, err := code.Decode(view.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, view.ID, id)

	stored, err := f.store.FindByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.Ticket, *stored)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, mq.EventTicketIssued, events[0].RoutingKey)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "parking_tickets_issued_total", map[string]string{"vehicle_type": "car"}))
}

func TestIssueTicketUnknownVehicleType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueTicket(ctx, "bicycle", "S1")
	assert.True(t, errors.Is(err, fee.ErrUnknownVehicleType), "got %v", err)

	tickets, err := f.store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tickets)
	assert.Empty(t, f.events.Events())
}

func TestCheckoutAfterNinetyMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	paid, err := f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	require.NoError(t, err)

	want, err := f.policy.Compute(fee.VehicleCar, issued.EntryTime, issued.EntryTime.Add(90*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusPaid, paid.Status)
	assert.Equal(t, int64(90), *paid.DurationMins)
	assert.Equal(t, want.Amount, *paid.TotalFee)
	assert.Equal(t, "S2", *paid.CheckedOutByID)
	assert.Equal(t, f.clock.Now(), *paid.CheckoutTime)
	assert.Equal(t, issued.QRPayload, paid.QRPayload)

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.Ticket, *stored)

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, mq.EventTicketPaid, events[1].RoutingKey)
	payload := events[1].Payload.(map[string]any)
	assert.Equal(t, want.Amount, payload["totalFee"])
}

func TestCheckoutByBareID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleMotorcycle, "S1")
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)

	paid, err := f.svc.CheckoutTicket(ctx, issued.ID.String(), "S2")
	require.NoError(t, err)
	assert.Equal(t, int64(400), *paid.TotalFee)
}

func TestCheckoutAlreadyPaidLeavesTicketUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	paid, err := f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		_, err := f.svc.CheckoutTicket(ctx, issued.QRPayload, "S3")
		assert.True(t, errors.Is(err, models.ErrAlreadyPaid), "got %v", err)
	}

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.Ticket, *stored)
	assert.Equal(t, 3.0, counterValue(t, f.registry, "parking_checkouts_total",
		map[string]string{"outcome": metrics.OutcomeAlreadyPaid}))
}

func TestConcurrentCheckoutHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	const workers = 12
	results := make([]*TicketView, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.CheckoutTicket(ctx, issued.QRPayload, uuid.NewString())
		}(i)
	}
	wg.Wait()

	var winner *TicketView
	for i := range results {
		if errs[i] == nil {
			require.Nil(t, winner, "more than one checkout succeeded")
			winner = results[i]
			continue
		}
		assert.True(t, errors.Is(errs[i], models.ErrAlreadyPaid), "got %v", errs[i])
	}
	require.NotNil(t, winner)

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.Ticket, *stored)
}

func TestCheckoutBeforeEntryIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(-5 * time.Minute)

	_, err = f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	assert.True(t, errors.Is(err, fee.ErrInvalidDuration), "got %v", err)

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Ticket, *stored)
	assert.Zero(t, f.store.casCalls)
}

func TestCheckoutBadReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CheckoutTicket(ctx, "PK1NOTAREALCODE", "S2")
	assert.True(t, errors.Is(err, code.ErrMalformedCode), "got %v", err)

	_, err = f.svc.CheckoutTicket(ctx, "ticket-42", "S2")
	assert.True(t, errors.Is(err, code.ErrMalformedCode), "got %v", err)

	_, err = f.svc.CheckoutTicket(ctx, code.Encode(uuid.New()), "S2")
	assert.True(t, errors.Is(err, ErrTicketNotFound), "got %v", err)
}

func TestStoreUnavailableIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.failCreate = 2
	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, f.registry, "parking_store_retries_total", map[string]string{"op": "create"}))

	f.store.failFind = 3
	_, err = f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	assert.True(t, errors.Is(err, ErrStorageUnavailable), "got %v", err)

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, stored.Status)
}

func TestUnacknowledgedWritesAreRecognised(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.lostCreate = 1
	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)

	f.clock.Advance(45 * time.Minute)
	f.store.lostCAS = 1
	paid, err := f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	require.NoError(t, err)
	assert.Equal(t, int64(45), *paid.DurationMins)
	assert.Equal(t, 2, f.store.casCalls)
}

func TestIssuedTicketIsListedAfterIndexFailure(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	id := uuid.MustParse("6ba7b810-9dad-41d1-80b4-00c04fd430c8")
	entry := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	svc := NewTicketService(repository.NewRedisStore(rdb, "parkpos"), fee.DefaultRateTable(), nil,
		WithClock(func() time.Time { return entry }),
		WithIDGenerator(func() uuid.UUID { return id }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetry(3, time.Millisecond),
	)

	ticket := models.NewTicket(id, fee.VehicleCar, "S1", entry)
	body, err := json.Marshal(&ticket)
	require.NoError(t, err)
	key := "parkpos:ticket:" + id.String()
	member := redis.Z{Score: float64(entry.UnixMilli()), Member: id.String()}

	mock.ExpectSetNX(key, string(body), 0).SetVal(true)
	mock.ExpectZAdd("parkpos:tickets:by-entry", member).SetErr(errors.New("connection reset"))
	mock.ExpectSetNX(key, string(body), 0).SetVal(false)
	mock.ExpectGet(key).SetVal(string(body))
	mock.ExpectZAdd("parkpos:tickets:by-entry", member).SetVal(1)
	mock.ExpectGet(key).SetVal(string(body))

	issued, err := svc.IssueTicket(context.Background(), fee.VehicleCar, "S1")
	require.NoError(t, err)
	assert.Equal(t, id, issued.ID)

	mock.ExpectZRevRange("parkpos:tickets:by-entry", 0, 9).SetVal([]string{id.String()})
	mock.ExpectMGet(key).SetVal([]interface{}{string(body)})

	listed, err := svc.ListTickets(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnCreateCheckHonoursStoreTimeout(t *testing.T) {
	f := newFixture(t, WithStoreTimeout(20*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.store.lostCreate = 1
	f.store.stallFind = 1
	start := time.Now()
	_, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	assert.True(t, errors.Is(err, ErrDuplicateID), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, ctx.Err())
}

func TestDuplicateIDIsFatal(t *testing.T) {
	fixed := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	f := newFixture(t, WithIDGenerator(func() uuid.UUID { return fixed }))
	ctx := context.Background()

	_, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)

	_, err = f.svc.IssueTicket(ctx, fee.VehicleMotorcycle, "S9")
	assert.True(t, errors.Is(err, ErrDuplicateID), "got %v", err)

	stored, err := f.store.FindByID(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, "S1", stored.IssuedByID)
}

func TestQuoteFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	quote, err := f.svc.QuoteFee(ctx, issued.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, quote.Status)
	assert.Equal(t, int64(90), quote.DurationMins)

	stored, err := f.store.FindByID(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, stored.Status)

	paid, err := f.svc.CheckoutTicket(ctx, issued.QRPayload, "S2")
	require.NoError(t, err)
	assert.Equal(t, quote.Amount, *paid.TotalFee)

	f.clock.Advance(10 * time.Hour)
	after, err := f.svc.QuoteFee(ctx, issued.ID.String())
	require.NoError(t, err)
	assert.Equal(t, *paid.TotalFee, after.Amount)
	assert.Equal(t, *paid.CheckoutTime, after.AsOf)
}

func TestGetAndListTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.IssueTicket(ctx, fee.VehicleCar, "S1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.IssueTicket(ctx, fee.VehicleMotorcycle, "S1")
	require.NoError(t, err)

	got, err := f.svc.GetTicket(ctx, first.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	list, err := f.svc.ListTickets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, code.Encode(second.ID), list[0].QRPayload)
}

// counterValue sums the samples of a counter family whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
