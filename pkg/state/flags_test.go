package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlags_UpdateNotifies(t *testing.T) {
	f := NewFlags()
	ch := f.Changed()

	f.SetTonePlaying(true)

	select {
	case <-ch:
	default:
		t.Fatal("Expected Changed to fire after a change")
	}
	if !f.Snapshot().TonePlaying {
		t.Error("Expected TonePlaying to be set")
	}
}

func TestFlags_NoChangeNoNotify(t *testing.T) {
	f := NewFlags()
	ch := f.Changed()

	f.SetURLPlaying(false)

	select {
	case <-ch:
		t.Fatal("Expected no notification for an unchanged value")
	default:
	}
}

func TestFlags_WaitUntil(t *testing.T) {
	f := NewFlags()
	f.SetURLPlaying(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.SetURLPlaying(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := f.WaitUntil(ctx, func(s Snapshot) bool { return !s.Busy() }); err != nil {
		t.Fatalf("WaitUntil failed: %v", err)
	}
}

func TestFlags_WaitUntilDeadline(t *testing.T) {
	f := NewFlags()
	f.SetTonePlaying(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.WaitUntil(ctx, func(s Snapshot) bool { return !s.Busy() })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
