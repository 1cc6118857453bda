package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		succeedAt int
		want      bool
	}{
		{name: "immediate", succeedAt: 1, want: true},
		{name: "eventual", succeedAt: 3, want: true},
		{name: "never", succeedAt: -1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			got := WaitFor(t, func() bool {
				calls++
				return tt.succeedAt > 0 && calls >= tt.succeedAt
			}, WithTimeout(200*time.Millisecond), WithInterval(5*time.Millisecond))
			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(2 * time.Millisecond)
			counter.Add(1)
		}
	}()
	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(time.Millisecond))
}

func TestMustWaitForValue(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	go func() {
		for range 3 {
			n.Add(1)
		}
	}()
	got := MustWaitForValue(t, n.Load, func(v int64) bool { return v == 3 }, WithTimeout(time.Second))
	if got != 3 {
		t.Errorf("got %d", got)
	}
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan string, 1)
	ch <- "ok"
	if got := MustReceive(t, ch, time.Second); got != "ok" {
		t.Errorf("got %q", got)
	}
}
