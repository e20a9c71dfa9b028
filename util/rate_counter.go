package util

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A RateCounter limits the bandwidth used by a device. Credits are bytes.
// Every interval the pool is topped up with the bytes allowed for that
// interval. Writers remove credits as they transfer data, and while the pool
// is negative they wait.
type RateCounter struct {
	c       chan struct{} // receives while credits are positive
	stop    chan struct{} // closed to end the refill goroutine
	m       sync.Mutex    // protects credits
	credits int64
}

// rateInterval is how often credits are added. Tape drives stream poorly
// when starved, so it is kept short.
const rateInterval = time.Second

// NewRateCounter returns a counter allowing rate bytes per second. The
// clock drives the refills, pass clock.New() outside of tests.
func NewRateCounter(rate float64, clk clock.Clock) *RateCounter {
	amount := int64(rate * rateInterval.Seconds())
	if amount < 1 {
		amount = 1
	}
	r := &RateCounter{
		c:       make(chan struct{}),
		stop:    make(chan struct{}),
		credits: amount,
	}
	go r.adder(amount, clk.Ticker(rateInterval))
	return r
}

// Use removes count credits. The balance may go negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// Credits returns the current balance.
func (r *RateCounter) Credits() int64 {
	r.m.Lock()
	defer r.m.Unlock()
	return r.credits
}

// OK returns a channel which receives when it is fine to transfer more.
// It is closed once the counter is stopped.
func (r *RateCounter) OK() <-chan struct{} {
	return r.c
}

// Wait blocks until the balance is positive. It returns ErrStopped if the
// counter is stopped first.
func (r *RateCounter) Wait() error {
	for {
		if _, ok := <-r.c; !ok {
			return ErrStopped
		}
		// a signal may have been offered before the last Use
		if r.Credits() > 0 {
			return nil
		}
	}
}

// Stop ends the refill goroutine. Calling it twice panics.
func (r *RateCounter) Stop() {
	close(r.stop)
}

func (r *RateCounter) adder(amount int64, tick *clock.Ticker) {
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.m.Lock()
			// do not bank more than one interval of idle time
			r.credits += amount
			if r.credits > amount {
				r.credits = amount
			}
			r.m.Unlock()
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// ErrStopped means a transfer failed because its rate counter was stopped.
var ErrStopped = errors.New("rate counter stopped")

// Writer returns an io.Writer whose writes to w wait on this counter.
func (r *RateCounter) Writer(w io.Writer) io.Writer {
	return rateWriter{w: w, rate: r}
}

type rateWriter struct {
	w    io.Writer
	rate *RateCounter
}

func (rw rateWriter) Write(p []byte) (int, error) {
	if err := rw.rate.Wait(); err != nil {
		return 0, err
	}
	n, err := rw.w.Write(p)
	rw.rate.Use(int64(n))
	return n, err
}
