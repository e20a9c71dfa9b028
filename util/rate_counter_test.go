package util

import (
	"bytes"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func TestRateCounter(t *testing.T) {
	clk := clock.NewMock()
	r := NewRateCounter(100, clk)
	defer r.Stop()

	var buf bytes.Buffer
	w := r.Writer(&buf)
	if _, err := w.Write(make([]byte, 250)); err != nil {
		t.Fatal(err)
	}
	if r.Credits() != -150 {
		t.Errorf("Received %d, expected -150", r.Credits())
	}

	done := make(chan struct{})
	go func() {
		w.Write([]byte("x"))
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("write did not wait for credits")
	case <-time.After(20 * time.Millisecond):
	}
	// two refills bring the balance positive again
	for i := 0; i < 2; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("write never resumed, credits %d", r.Credits())
	}
}

func TestRateCounterStop(t *testing.T) {
	r := NewRateCounter(10, clock.NewMock())
	r.Use(100)
	r.Stop()
	w := r.Writer(new(bytes.Buffer))
	if _, err := w.Write([]byte("x")); err != ErrStopped {
		t.Errorf("Received %v, expected %v", err, ErrStopped)
	}
}
