package schedule

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPlanCacheSize bounds the number of cached day plans.
const DefaultPlanCacheSize = 256

// dayPlan is the slice of a Set that applies to one group on one date.
type dayPlan struct {
	holiday bool
	breaks  []Window
	windows []Window
}

func buildPlan(set *Set, groupID string, date Date, weekday time.Weekday) dayPlan {
	var plan dayPlan
	for _, h := range set.Holidays {
		if h.GroupID == groupID && h.Matches(date) {
			plan.holiday = true
			return plan
		}
	}
	for _, w := range set.Windows {
		if w.GroupID != groupID || w.DayOfWeek != weekday {
			continue
		}
		if w.Validate() != nil {
			continue
		}
		if w.IsBreak {
			plan.breaks = append(plan.breaks, w)
		} else {
			plan.windows = append(plan.windows, w)
		}
	}
	return plan
}

// monitored applies holiday, then break, then window precedence. A day with
// no matching window is not monitored.
func (p dayPlan) monitored(t TimeOfDay) bool {
	if p.holiday {
		return false
	}
	for _, b := range p.breaks {
		if b.Contains(t) {
			return false
		}
	}
	for _, w := range p.windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// IsMonitored reports whether ts falls inside a monitoring window for the
// group. The wall-clock time and calendar day are taken in ts's location.
// A nil set means schedules were never loaded and yields false.
func IsMonitored(ts time.Time, set *Set, groupID string) bool {
	if set == nil {
		return false
	}
	return buildPlan(set, groupID, DateOf(ts), ts.Weekday()).monitored(Clock(ts))
}

type planKey struct {
	version uint64
	groupID string
	date    Date
}

// Evaluator answers IsMonitored with day plans cached per snapshot version.
type Evaluator struct {
	plans  *lru.Cache[planKey, dayPlan]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewEvaluator creates an Evaluator with the given plan cache size.
func NewEvaluator(cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultPlanCacheSize
	}
	plans, err := lru.New[planKey, dayPlan](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return &Evaluator{plans: plans}, nil
}

// IsMonitored has the same semantics as the package-level IsMonitored.
func (e *Evaluator) IsMonitored(ts time.Time, set *Set, groupID string) bool {
	if set == nil {
		return false
	}
	date := DateOf(ts)
	key := planKey{version: set.Version, groupID: groupID, date: date}
	plan, ok := e.plans.Get(key)
	if ok {
		e.hits.Add(1)
	} else {
		e.misses.Add(1)
		plan = buildPlan(set, groupID, date, ts.Weekday())
		e.plans.Add(key, plan)
	}
	return plan.monitored(Clock(ts))
}

// Purge drops every cached plan.
func (e *Evaluator) Purge() {
	e.plans.Purge()
}

// Stats returns cache hit and miss counts.
func (e *Evaluator) Stats() (hits, misses uint64) {
	return e.hits.Load(), e.misses.Load()
}
