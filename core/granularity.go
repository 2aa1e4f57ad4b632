package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a calendar-aware span of time, an ISO-8601 period subset:
// P[nY][nM][nW][nD][T[nH][nM][nS]]. Calendar components (years, months,
// weeks, days) follow the calendar when added, so P1M from Jan 31 lands on
// the last day of February rather than a fixed number of hours later.
type Period struct {
	Years   int
	Months  int
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// ParsePeriod parses the ISO-8601 period form, e.g. "P1D", "PT6H", "P2W",
// "P1DT12H". The period must be non-zero.
func ParsePeriod(s string) (Period, error) {
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return Period{}, &ValidationError{Field: "period", Value: s, Message: "expected ISO-8601 period, e.g. 'P1D'"}
	}

	var p Period
	inTime := false
	pending := -1
	rest := s[1:]

	i := 0
	for i < len(rest) {
		c := rest[i]
		switch {
		case c == 'T' || c == 't':
			if pending >= 0 {
				return Period{}, &ValidationError{Field: "period", Value: s, Message: "number without a unit before 'T'"}
			}
			inTime = true
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(rest[i:j])
			if err != nil {
				return Period{}, &ValidationError{Field: "period", Value: s, Message: fmt.Sprintf("invalid number: %v", err)}
			}
			pending = n
			i = j
		default:
			if pending < 0 {
				return Period{}, &ValidationError{Field: "period", Value: s, Message: fmt.Sprintf("unit '%c' without a number", c)}
			}
			switch c {
			case 'Y', 'y':
				if inTime {
					return Period{}, &ValidationError{Field: "period", Value: s, Message: "years not allowed in time part"}
				}
				p.Years = pending
			case 'M', 'm':
				if inTime {
					p.Minutes = pending
				} else {
					p.Months = pending
				}
			case 'W', 'w':
				if inTime {
					return Period{}, &ValidationError{Field: "period", Value: s, Message: "weeks not allowed in time part"}
				}
				p.Weeks = pending
			case 'D', 'd':
				if inTime {
					return Period{}, &ValidationError{Field: "period", Value: s, Message: "days not allowed in time part"}
				}
				p.Days = pending
			case 'H', 'h':
				if !inTime {
					return Period{}, &ValidationError{Field: "period", Value: s, Message: "hours require the 'T' time part"}
				}
				p.Hours = pending
			case 'S', 's':
				if !inTime {
					return Period{}, &ValidationError{Field: "period", Value: s, Message: "seconds require the 'T' time part"}
				}
				p.Seconds = pending
			default:
				return Period{}, &ValidationError{Field: "period", Value: s, Message: fmt.Sprintf("unknown unit '%c'", c)}
			}
			pending = -1
			i++
		}
	}
	if pending >= 0 {
		return Period{}, &ValidationError{Field: "period", Value: s, Message: "trailing number without a unit"}
	}
	if p.IsZero() {
		return Period{}, &ValidationError{Field: "period", Value: s, Message: "period must be non-zero"}
	}
	return p, nil
}

func (p Period) IsZero() bool {
	return p.Years == 0 && p.Months == 0 && p.Weeks == 0 && p.Days == 0 &&
		p.Hours == 0 && p.Minutes == 0 && p.Seconds == 0
}

func (p Period) hasCalendarPart() bool {
	return p.Years != 0 || p.Months != 0 || p.Weeks != 0 || p.Days != 0
}

func (p Period) clockDuration() time.Duration {
	return time.Duration(p.Hours)*time.Hour +
		time.Duration(p.Minutes)*time.Minute +
		time.Duration(p.Seconds)*time.Second
}

// AddTo returns t shifted by n periods. Calendar components use calendar
// arithmetic in t's location; clock components are a fixed duration.
func (p Period) AddTo(t time.Time, n int) time.Time {
	if n == 0 {
		return t
	}
	out := t
	if p.hasCalendarPart() {
		out = out.AddDate(n*p.Years, n*p.Months, n*(p.Weeks*7+p.Days))
	}
	if clock := p.clockDuration(); clock != 0 {
		out = out.Add(time.Duration(n) * clock)
	}
	return out
}

// approxDuration is a rough per-period length used only to seed the bucket
// index estimate; exact placement is settled by calendar arithmetic.
func (p Period) approxDuration() time.Duration {
	const day = 24 * time.Hour
	return time.Duration(p.Years)*365*day +
		time.Duration(p.Months)*30*day +
		time.Duration(p.Weeks)*7*day +
		time.Duration(p.Days)*day +
		p.clockDuration()
}

func (p Period) String() string {
	var sb strings.Builder
	sb.WriteByte('P')
	if p.Years != 0 {
		fmt.Fprintf(&sb, "%dY", p.Years)
	}
	if p.Months != 0 {
		fmt.Fprintf(&sb, "%dM", p.Months)
	}
	if p.Weeks != 0 {
		fmt.Fprintf(&sb, "%dW", p.Weeks)
	}
	if p.Days != 0 {
		fmt.Fprintf(&sb, "%dD", p.Days)
	}
	if p.Hours != 0 || p.Minutes != 0 || p.Seconds != 0 {
		sb.WriteByte('T')
		if p.Hours != 0 {
			fmt.Fprintf(&sb, "%dH", p.Hours)
		}
		if p.Minutes != 0 {
			fmt.Fprintf(&sb, "%dM", p.Minutes)
		}
		if p.Seconds != 0 {
			fmt.Fprintf(&sb, "%dS", p.Seconds)
		}
	}
	if sb.Len() == 1 {
		return "P0D"
	}
	return sb.String()
}

// PeriodGranularity buckets time into period-aligned windows in a timezone,
// phased on an origin instant. Bucket k covers [StartOf(k), StartOf(k+1)).
type PeriodGranularity struct {
	period Period
	origin time.Time
	loc    *time.Location
}

// NewPeriodGranularity builds a granularity. A zero origin aligns buckets on
// the period's natural boundary in loc (local midnight for days, Monday for
// weeks, the first of the month, and so on, all phased on the epoch). A nil
// loc means UTC.
func NewPeriodGranularity(period Period, origin time.Time, loc *time.Location) (PeriodGranularity, error) {
	if period.IsZero() {
		return PeriodGranularity{}, &ValidationError{Field: "granularity", Value: period.String(), Message: "granularity period must be non-zero"}
	}
	if loc == nil {
		loc = time.UTC
	}
	g := PeriodGranularity{period: period, loc: loc}
	if origin.IsZero() {
		g.origin = defaultOrigin(period, loc)
	} else {
		g.origin = origin.In(loc)
	}
	return g, nil
}

// defaultOrigin phases buckets on the epoch's local wall clock. The epoch is
// already day, month and year aligned; weeks phase on the prior Monday.
func defaultOrigin(p Period, loc *time.Location) time.Time {
	if p.Weeks != 0 && p.Years == 0 && p.Months == 0 && p.Days == 0 && p.clockDuration() == 0 {
		return time.Date(1969, time.December, 29, 0, 0, 0, 0, loc)
	}
	return time.Date(1970, time.January, 1, 0, 0, 0, 0, loc)
}

func (g PeriodGranularity) Period() Period           { return g.period }
func (g PeriodGranularity) Origin() time.Time        { return g.origin }
func (g PeriodGranularity) Location() *time.Location { return g.loc }

// PeriodIndex returns the bucket index k such that StartOf(k) <= t < StartOf(k+1).
func (g PeriodGranularity) PeriodIndex(t time.Time) int64 {
	tl := t.In(g.loc)
	approx := g.period.approxDuration()
	n := int64(tl.Sub(g.origin) / approx)

	cand := g.StartOf(n)
	for cand.After(tl) {
		n--
		cand = g.StartOf(n)
	}
	for {
		next := g.StartOf(n + 1)
		if next.After(tl) {
			break
		}
		n++
		cand = next
	}
	return n
}

// StartOf returns the start instant of bucket k.
func (g PeriodGranularity) StartOf(k int64) time.Time {
	return g.period.AddTo(g.origin, int(k))
}

// BucketStart truncates t to the start of its bucket.
func (g PeriodGranularity) BucketStart(t time.Time) time.Time {
	return g.StartOf(g.PeriodIndex(t))
}

// AddPeriods shifts t by n whole periods, preserving its phase within the
// bucket grid when t is a bucket start.
func (g PeriodGranularity) AddPeriods(t time.Time, n int) time.Time {
	return g.period.AddTo(t.In(g.loc), n)
}

func (g PeriodGranularity) String() string {
	return fmt.Sprintf("period{%s, tz=%s, origin=%s}", g.period, g.loc, g.origin.Format(time.RFC3339))
}
