package util

import (
	"expvar"
	"sync"
	"time"

	"github.com/facebookgo/stats"
)

// ExpvarStats is a stats.Client which publishes every key it sees as an
// expvar.Float under one expvar.Map. Averages and histograms keep a running
// mean. They are served with the rest of the runtime variables at
// /debug/vars.
type ExpvarStats struct {
	vars *expvar.Map

	m      sync.Mutex // protects counts and averaged values
	counts map[string]float64
}

var _ stats.Client = &ExpvarStats{}

// NewExpvarStats creates a client publishing under the given expvar name.
// Since expvar names are global, each name may only be used once.
func NewExpvarStats(name string) *ExpvarStats {
	return &ExpvarStats{
		vars:   expvar.NewMap(name),
		counts: make(map[string]float64),
	}
}

// BumpSum adds val to the key.
func (s *ExpvarStats) BumpSum(key string, val float64) {
	s.vars.AddFloat(key, val)
}

// BumpAvg folds val into a running mean for the key.
func (s *ExpvarStats) BumpAvg(key string, val float64) {
	s.m.Lock()
	defer s.m.Unlock()
	n := s.counts[key] + 1
	s.counts[key] = n
	f := s.float(key)
	f.Set(f.Value() + (val-f.Value())/n)
}

// BumpHistogram is recorded as an average.
func (s *ExpvarStats) BumpHistogram(key string, val float64) {
	s.BumpAvg(key, val)
}

// BumpTime starts a timer. Calling End on the result records the elapsed
// milliseconds as an average.
func (s *ExpvarStats) BumpTime(key string) interface {
	End()
} {
	return timeEnder{s: s, key: key, start: time.Now()}
}

// Get returns the current value of a key, or 0.
func (s *ExpvarStats) Get(key string) float64 {
	if f, ok := s.vars.Get(key).(*expvar.Float); ok {
		return f.Value()
	}
	return 0
}

func (s *ExpvarStats) float(key string) *expvar.Float {
	if f, ok := s.vars.Get(key).(*expvar.Float); ok {
		return f
	}
	s.vars.AddFloat(key, 0)
	return s.vars.Get(key).(*expvar.Float)
}

type timeEnder struct {
	s     *ExpvarStats
	key   string
	start time.Time
}

func (t timeEnder) End() {
	t.s.BumpAvg(t.key, float64(time.Since(t.start))/float64(time.Millisecond))
}

// NopStats discards everything.
type NopStats struct{}

var _ stats.Client = NopStats{}

func (NopStats) BumpAvg(string, float64)       {}
func (NopStats) BumpSum(string, float64)       {}
func (NopStats) BumpHistogram(string, float64) {}
func (NopStats) BumpTime(string) interface {
	End()
} {
	return nopEnder{}
}

type nopEnder struct{}

func (nopEnder) End() {}
