package sched_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/sched"
	"github.com/MrWong99/parley/internal/sched/fake"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestAfter_FiresOnce(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	g := sched.NewGroup(clk)

	calls := 0
	if _, err := g.After(200*time.Millisecond, func() { calls++ }); err != nil {
		t.Fatalf("After: %v", err)
	}

	clk.Advance(199 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("fired early: calls = %d", calls)
	}
	clk.Advance(time.Millisecond)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	clk.Advance(time.Second)
	if calls != 1 {
		t.Fatalf("one-shot fired again: calls = %d", calls)
	}
	if got := g.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestEvery_RepeatsUntilCancelled(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	g := sched.NewGroup(clk)

	calls := 0
	task, err := g.Every(100*time.Millisecond, func() { calls++ })
	if err != nil {
		t.Fatalf("Every: %v", err)
	}

	clk.Advance(time.Second)
	if calls != 10 {
		t.Fatalf("calls = %d, want 10", calls)
	}

	if !task.Cancel() {
		t.Error("Cancel() = false, want true for a pending repeating task")
	}
	clk.Advance(time.Second)
	if calls != 10 {
		t.Errorf("task fired after Cancel: calls = %d", calls)
	}
	if task.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
}

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	g := sched.NewGroup(fake.New(epoch))
	if _, err := g.Every(0, func() {}); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestCancelAll_NoCallbackAfterReturn(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	g := sched.NewGroup(clk)

	fired := 0
	for i := range 5 {
		if _, err := g.After(time.Duration(i+1)*time.Second, func() { fired++ }); err != nil {
			t.Fatalf("After: %v", err)
		}
	}
	if _, err := g.Every(time.Second, func() { fired++ }); err != nil {
		t.Fatalf("Every: %v", err)
	}

	g.CancelAll()
	clk.Advance(time.Minute)

	if fired != 0 {
		t.Errorf("fired = %d after CancelAll, want 0", fired)
	}
	if got := clk.Pending(); got != 0 {
		t.Errorf("clock still holds %d timers", got)
	}

	// The group remains usable.
	if _, err := g.After(time.Second, func() { fired++ }); err != nil {
		t.Fatalf("After after CancelAll: %v", err)
	}
	clk.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestStop_RejectsNewTasks(t *testing.T) {
	t.Parallel()
	g := sched.NewGroup(fake.New(epoch))
	g.Stop()
	g.Stop()

	_, err := g.After(time.Second, func() {})
	if !errors.Is(err, sched.ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestEvery_CancelFromInsideCallback(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	g := sched.NewGroup(clk)

	calls := 0
	var task *sched.Task
	task, err := g.Every(100*time.Millisecond, func() {
		calls++
		if calls == 3 {
			task.Cancel()
		}
	})
	if err != nil {
		t.Fatalf("Every: %v", err)
	}

	clk.Advance(time.Second)
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestAfter_ScheduleFromCallback(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	g := sched.NewGroup(clk)

	var order []string
	_, err := g.After(100*time.Millisecond, func() {
		order = append(order, "first")
		_, _ = g.After(100*time.Millisecond, func() { order = append(order, "second") })
	})
	if err != nil {
		t.Fatalf("After: %v", err)
	}

	clk.Advance(200 * time.Millisecond)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestFakeClock_NowAdvances(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	var seen time.Time
	clk.AfterFunc(300*time.Millisecond, func() { seen = clk.Now() })

	clk.Advance(time.Second)

	if want := epoch.Add(300 * time.Millisecond); !seen.Equal(want) {
		t.Errorf("Now() inside callback = %v, want %v", seen, want)
	}
	if want := epoch.Add(time.Second); !clk.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", clk.Now(), want)
	}
}
