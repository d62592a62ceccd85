package timeutil_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipchat/internal/timeutil"
)

func TestScheduler_FireOrder(t *testing.T) {
	t.Parallel()

	var (
		s     timeutil.Scheduler
		fired []string
		base  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)

	s.Schedule(base.Add(3*time.Second), func() { fired = append(fired, "c") })
	s.Schedule(base.Add(time.Second), func() { fired = append(fired, "a") })
	b := s.Schedule(base.Add(2*time.Second), func() { fired = append(fired, "b") })
	stopped := s.Schedule(base.Add(2*time.Second), func() { fired = append(fired, "x") })

	if !s.Stop(stopped) {
		t.Fatal("s.Stop(timer) = false, want true")
	}
	if s.Stop(stopped) {
		t.Fatal("second s.Stop(timer) = true, want false")
	}

	if n := s.Fire(base); n != 0 {
		t.Fatalf("s.Fire(base) = %d, want 0", n)
	}
	if n := s.Fire(base.Add(2 * time.Second)); n != 2 {
		t.Fatalf("s.Fire(base+2s) = %d, want 2", n)
	}
	if b.Active() {
		t.Error("b.Active() = true after firing, want false")
	}

	next, ok := s.Next()
	if !ok || !next.Equal(base.Add(3*time.Second)) {
		t.Errorf("s.Next() = %v, %v, want %v, true", next, ok, base.Add(3*time.Second))
	}

	s.Fire(base.Add(time.Hour))
	if diff := cmp.Diff(fired, []string{"a", "b", "c"}); diff != "" {
		t.Fatalf("fired order mismatch (-got +want):\n%v", diff)
	}
	if got := s.Len(); got != 0 {
		t.Errorf("s.Len() = %d, want 0", got)
	}
}

func TestScheduler_ScheduleFromCallback(t *testing.T) {
	t.Parallel()

	var (
		s     timeutil.Scheduler
		count int
		now   = time.Now()
	)
	s.Schedule(now, func() {
		count++
		s.Schedule(now, func() { count++ })
	})
	if n := s.Fire(now); n != 2 {
		t.Fatalf("s.Fire(now) = %d, want 2", n)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
