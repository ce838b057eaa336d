package fee

import (
	"time"

	"github.com/pkg/errors"
)

// VehicleType is the class of vehicle a ticket was issued for.
type VehicleType string

const (
	VehicleCar        VehicleType = "car"
	VehicleMotorcycle VehicleType = "motorcycle"
)

var (
	// ErrUnknownVehicleType is returned for a vehicle class the policy has no rate for.
	ErrUnknownVehicleType = errors.New("unknown vehicle type")
	// ErrInvalidDuration is returned when the checkout time precedes the entry time.
	ErrInvalidDuration = errors.New("checkout time precedes entry time")
)

// Quote is the outcome of a fee computation. Amount is in minor currency units.
type Quote struct {
	DurationMins int64 `json:"durationMins"`
	Amount       int64 `json:"totalFee"`
}

// Policy maps a vehicle class and a parking interval to a fee.
// Implementations must be pure: no clock reads, no randomness.
type Policy interface {
	Compute(vehicleType VehicleType, entry, checkout time.Time) (Quote, error)
	Supports(vehicleType VehicleType) bool
}

// DurationMins returns the elapsed whole minutes between entry and checkout,
// rounding any partial minute up.
func DurationMins(entry, checkout time.Time) (int64, error) {
	if checkout.Before(entry) {
		return 0, errors.Wrapf(ErrInvalidDuration, "entry %s, checkout %s",
			entry.Format(time.RFC3339Nano), checkout.Format(time.RFC3339Nano))
	}
	d := checkout.Sub(entry)
	mins := int64(d / time.Minute)
	if d%time.Minute != 0 {
		mins++
	}
	return mins, nil
}
