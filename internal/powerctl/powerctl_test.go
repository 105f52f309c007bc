package powerctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeLine struct {
	values []int
	closed bool
	fail   bool
}

func (f *fakeLine) SetValue(v int) error {
	if f.fail {
		return errors.New("boom")
	}
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

func withFakeLine(t *testing.T, l *fakeLine) *int {
	t.Helper()
	var pin int
	old := openLineFn
	openLineFn = func(p int) (line, error) {
		pin = p
		return l, nil
	}
	t.Cleanup(func() { openLineFn = old })
	return &pin
}

func TestReset_Pulses(t *testing.T) {
	l := &fakeLine{}
	pin := withFakeLine(t, l)

	r, err := New(Config{Pin: 17, Pulse: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if *pin != 17 {
		t.Fatalf("pin=%d want 17", *pin)
	}
	if diff := cmp.Diff([]int{1, 0, 0}, l.values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if !l.closed {
		t.Fatalf("line not closed")
	}
	if r.Resets() != 1 {
		t.Fatalf("resets=%d want 1", r.Resets())
	}
}

func TestReset_DisabledWithoutPin(t *testing.T) {
	opened := false
	old := openLineFn
	openLineFn = func(p int) (line, error) {
		opened = true
		return &fakeLine{}, nil
	}
	t.Cleanup(func() { openLineFn = old })

	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Enabled() {
		t.Fatalf("expected disabled")
	}
	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if opened {
		t.Fatalf("line opened without a pin")
	}
}

func TestReset_CancelledReleasesLine(t *testing.T) {
	l := &fakeLine{}
	withFakeLine(t, l)

	r, _ := New(Config{Pin: 4, Pulse: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Reset(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if diff := cmp.Diff([]int{1, 0}, l.values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if !l.closed {
		t.Fatalf("line not closed")
	}
}

func TestReset_SetValueError(t *testing.T) {
	withFakeLine(t, &fakeLine{fail: true})
	r, _ := New(Config{Pin: 4})
	if err := r.Reset(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if r.Resets() != 0 {
		t.Fatalf("resets=%d want 0", r.Resets())
	}
}

func TestNew_RejectsNegativePin(t *testing.T) {
	if _, err := New(Config{Pin: -1}); err == nil {
		t.Fatalf("expected error")
	}
}
