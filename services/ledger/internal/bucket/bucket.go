// Package bucket maps timestamps to the fixed settlement windows ledgers are
// grouped by.
//
// Windows are laid end to end from an anchor at midnight business time on
// 2019-07-01. A window is the half-open range (start, end]: a timestamp that
// falls exactly on a boundary belongs to the window that ends there.
package bucket

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

type Interval string

const (
	Daily  Interval = "DAILY"
	Weekly Interval = "WEEKLY"
)

const BusinessTimezone = "America/Los_Angeles"

var (
	businessLocation = mustLoadLocation(BusinessTimezone)
	anchor           = time.Date(2019, time.July, 1, 0, 0, 0, 0, businessLocation)
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load business timezone %s: %v", name, err))
	}
	return loc
}

func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToUpper(strings.TrimSpace(s))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	default:
		return "", fmt.Errorf("unknown interval %q", s)
	}
}

func (i Interval) Valid() bool {
	return i == Daily || i == Weekly
}

// Length is the fixed duration of one window. An unknown interval is treated
// as daily.
func (i Interval) Length() time.Duration {
	if i == Weekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

func (i Interval) String() string { return string(i) }

type Bucket struct {
	Interval Interval
	Start    time.Time
	End      time.Time
}

func (b Bucket) Contains(t time.Time) bool {
	return t.After(b.Start) && !t.After(b.End)
}

func For(t time.Time, interval Interval) Bucket {
	start := StartOf(t, interval)
	return Bucket{
		Interval: interval,
		Start:    start,
		End:      start.Add(interval.Length()),
	}
}

// StartOf returns anchor + (n-1)*L in UTC where n = ceil((t-anchor)/L).
// The difference is taken in whole seconds, which stays exact for any t.
func StartOf(t time.Time, interval Interval) time.Time {
	length := int64(interval.Length() / time.Second)
	n := ceilDiv(t.Unix()-anchor.Unix(), t.Nanosecond(), length)
	return time.Unix(anchor.Unix()+(n-1)*length, 0).UTC()
}

func EndOf(t time.Time, interval Interval) time.Time {
	return StartOf(t, interval).Add(interval.Length())
}

// ceilDiv returns ceil((secs + nsec/1e9) / length) for nsec in [0, 1e9).
func ceilDiv(secs int64, nsec int, length int64) int64 {
	q, r := secs/length, secs%length
	if r < 0 {
		q--
		r += length
	}
	if r > 0 || nsec > 0 {
		q++
	}
	return q
}
