package shared

import (
	"fmt"
	"strings"
	"time"
)

// PeriodRange converts a YYYY-MM period into [from, to) in UTC. An empty
// period returns zero times, meaning unbounded.
func PeriodRange(period string) (time.Time, time.Time, error) {
	period = strings.TrimSpace(period)
	if period == "" {
		return time.Time{}, time.Time{}, nil
	}
	start, err := time.ParseInLocation("2006-01", period, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return start, start.AddDate(0, 1, 0), nil
}
