package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Checkout outcomes recorded by Collector.Checkout.
const (
	OutcomePaid        = "paid"
	OutcomeAlreadyPaid = "already_paid"
	OutcomeNotFound    = "not_found"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Collector holds the ticket engine's Prometheus series.
type Collector struct {
	issued       *prometheus.CounterVec
	checkouts    *prometheus.CounterVec
	feeCollected *prometheus.CounterVec
	storeRetries *prometheus.CounterVec
	duration     prometheus.Histogram
}

// NewCollector registers the collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		issued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_tickets_issued_total",
			Help: "Tickets issued, by vehicle type",
		}, []string{"vehicle_type"}),
		checkouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_checkouts_total",
			Help: "Checkout attempts, by outcome",
		}, []string{"outcome"}),
		feeCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_fees_minor_units_total",
			Help: "Fees recorded at checkout in minor currency units, by vehicle type",
		}, []string{"vehicle_type"}),
		storeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_store_retries_total",
			Help: "Ticket store calls retried after an unavailable error, by operation",
		}, []string{"op"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parking_stay_minutes",
			Help:    "Parking stay length recorded at checkout",
			Buckets: []float64{15, 30, 60, 120, 240, 480, 720, 1440, 2880},
		}),
	}
}

// Issued counts a ticket issued for vehicleType. Like every Collector method it
// is a no-op on a nil receiver.
func (c *Collector) Issued(vehicleType string) {
	if c == nil {
		return
	}
	c.issued.WithLabelValues(vehicleType).Inc()
}

// Paid records a successful checkout with its fee and stay length.
func (c *Collector) Paid(vehicleType string, amount, durationMins int64) {
	if c == nil {
		return
	}
	c.checkouts.WithLabelValues(OutcomePaid).Inc()
	c.feeCollected.WithLabelValues(vehicleType).Add(float64(amount))
	c.duration.Observe(float64(durationMins))
}

// Checkout counts a checkout that ended with outcome.
func (c *Collector) Checkout(outcome string) {
	if c == nil {
		return
	}
	c.checkouts.WithLabelValues(outcome).Inc()
}

// StoreRetry counts a retried store call for op.
func (c *Collector) StoreRetry(op string) {
	if c == nil {
		return
	}
	c.storeRetries.WithLabelValues(op).Inc()
}
