package fee

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	minutesPerHour = 60
	minutesPerDay  = 24 * minutesPerHour
)

// Rate is the tariff for one vehicle class. All amounts are in minor currency units.
type Rate struct {
	GraceMins int64 `yaml:"grace_mins" json:"graceMins"`
	FirstHour int64 `yaml:"first_hour" json:"firstHour"`
	Hourly    int64 `yaml:"hourly" json:"hourly"`
	// DailyCap bounds the charge for each 24 hour block. Zero means uncapped.
	DailyCap int64 `yaml:"daily_cap" json:"dailyCap"`
}

// RateTable is a Policy backed by a per-vehicle tariff.
//
// A stay no longer than the grace period is free. Otherwise the stay is split
// into 24 hour blocks; each block costs the first hour plus every further
// started hour, bounded by the daily cap, and the blocks are summed.
type RateTable map[VehicleType]Rate

// DefaultRateTable returns the tariff used when no rate file is configured.
func DefaultRateTable() RateTable {
	return RateTable{
		VehicleCar:        {GraceMins: 10, FirstHour: 500, Hourly: 300, DailyCap: 3000},
		VehicleMotorcycle: {GraceMins: 10, FirstHour: 200, Hourly: 100, DailyCap: 1200},
	}
}

// Supports reports whether the table has a rate for the vehicle class.
func (t RateTable) Supports(vehicleType VehicleType) bool {
	_, ok := t[vehicleType]
	return ok
}

// VehicleTypes returns the configured vehicle classes in sorted order.
func (t RateTable) VehicleTypes() []VehicleType {
	out := make([]VehicleType, 0, len(t))
	for vt := range t {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Compute implements Policy.
func (t RateTable) Compute(vehicleType VehicleType, entry, checkout time.Time) (Quote, error) {
	rate, ok := t[vehicleType]
	if !ok {
		return Quote{}, errors.Wrapf(ErrUnknownVehicleType, "%q", vehicleType)
	}
	mins, err := DurationMins(entry, checkout)
	if err != nil {
		return Quote{}, err
	}
	return Quote{DurationMins: mins, Amount: rate.amount(mins)}, nil
}

func (r Rate) amount(mins int64) int64 {
	if mins <= r.GraceMins {
		return 0
	}
	days, rest := mins/minutesPerDay, mins%minutesPerDay
	total := days * r.block(minutesPerDay)
	if rest > 0 {
		total += r.block(rest)
	}
	return total
}

func (r Rate) block(mins int64) int64 {
	hours := (mins + minutesPerHour - 1) / minutesPerHour
	amount := r.FirstHour + (hours-1)*r.Hourly
	if r.DailyCap > 0 && amount > r.DailyCap {
		return r.DailyCap
	}
	return amount
}

type rateFile struct {
	Rates map[VehicleType]Rate `yaml:"rates"`
}

// ParseRateTable decodes a YAML tariff of the form:
//
//	rates:
//	  car: {grace_mins: 10, first_hour: 500, hourly: 300, daily_cap: 3000}
func ParseRateTable(data []byte) (RateTable, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode rate table")
	}
	if len(f.Rates) == 0 {
		return nil, errors.New("rate table has no vehicle types")
	}
	for vt, r := range f.Rates {
		if vt == "" {
			return nil, errors.New("rate table has an empty vehicle type")
		}
		if r.GraceMins < 0 || r.FirstHour < 0 || r.Hourly < 0 || r.DailyCap < 0 {
			return nil, errors.Errorf("rate for %q has a negative value", vt)
		}
	}
	return RateTable(f.Rates), nil
}

// LoadRateTable reads a YAML tariff from disk.
func LoadRateTable(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read rate table %s", path)
	}
	return ParseRateTable(data)
}
