package cron

import (
	"errors"
	"testing"
	"time"
)

func TestNextRunAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)
	future := now.Add(45 * time.Minute)

	got, err := At(future).NextRun(now)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if !got.Equal(future) {
		t.Errorf("NextRun() = %v, want %v", got, future)
	}

	_, err = At(now.Add(-time.Second)).NextRun(now)
	if !errors.Is(err, ErrSchedulePast) {
		t.Errorf("NextRun() error = %v, want ErrSchedulePast", err)
	}

	// The exact instant counts as past.
	_, err = At(now).NextRun(now)
	if !errors.Is(err, ErrSchedulePast) {
		t.Errorf("NextRun() at now error = %v, want ErrSchedulePast", err)
	}
}

func TestNextRunEveryFormula(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		interval time.Duration
		now      time.Time
		want     time.Time
	}{
		{"one second past anchor", 30 * time.Second, anchor.Add(time.Second), anchor.Add(30 * time.Second)},
		{"mid interval", 30 * time.Second, anchor.Add(75 * time.Second), anchor.Add(90 * time.Second)},
		{"exact boundary", 30 * time.Second, anchor.Add(60 * time.Second), anchor.Add(60 * time.Second)},
		{"at anchor", 30 * time.Second, anchor, anchor},
		{"future anchor", 30 * time.Second, anchor.Add(-10 * time.Minute), anchor},
		{"long gap", 30 * time.Second, anchor.Add(1000 * time.Second), anchor.Add(1020 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := EveryAnchored(tt.interval, anchor).NextRun(tt.now)
			if err != nil {
				t.Fatalf("NextRun() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunEveryZeroAnchor(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)
	got, err := Every(30 * time.Second).NextRun(now)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("NextRun() with zero anchor = %v, want %v", got, now)
	}
}

func TestNextRunEveryInvalidInterval(t *testing.T) {
	t.Parallel()

	if _, err := Every(0).NextRun(time.Now()); err == nil {
		t.Error("NextRun() with zero interval should error")
	}
	if _, err := Every(-time.Second).NextRun(time.Now()); err == nil {
		t.Error("NextRun() with negative interval should error")
	}
}

func TestNextRunCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{
			"daily time still ahead",
			"30 14 * * *",
			time.Date(2024, 9, 4, 9, 0, 0, 0, time.UTC),
			time.Date(2024, 9, 4, 14, 30, 0, 0, time.UTC),
		},
		{
			"daily time already passed",
			"30 14 * * *",
			time.Date(2024, 9, 4, 15, 0, 0, 0, time.UTC),
			time.Date(2024, 9, 5, 14, 30, 0, 0, time.UTC),
		},
		{
			"strictly after the current minute",
			"30 14 * * *",
			time.Date(2024, 9, 4, 14, 30, 0, 0, time.UTC),
			time.Date(2024, 9, 5, 14, 30, 0, 0, time.UTC),
		},
		{
			"every minute",
			"* * * * *",
			time.Date(2024, 9, 4, 14, 30, 20, 0, time.UTC),
			time.Date(2024, 9, 4, 14, 31, 0, 0, time.UTC),
		},
		{
			"day of month rolls the month",
			"0 0 1 * *",
			time.Date(2024, 9, 4, 9, 0, 0, 0, time.UTC),
			time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"month pin rolls the year",
			"0 9 1 2 *",
			time.Date(2024, 9, 4, 9, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Expr(tt.expr, time.UTC).NextRun(tt.now)
			if err != nil {
				t.Fatalf("NextRun() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNextRunCronMalformed(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 9, 4, 12, 0, 30, 0, time.UTC)
	for _, expr := range []string{"", "not a cron", "* * *", "61 * * * *", "* 25 * * *", "x * * * *"} {
		got, err := Expr(expr, time.UTC).NextRun(now)
		if err != nil {
			t.Fatalf("NextRun(%q) error = %v", expr, err)
		}
		if want := now.Add(time.Minute); !got.Equal(want) {
			t.Errorf("NextRun(%q) = %v, want fallback %v", expr, got, want)
		}
	}
}

// Midnight on the 13th or on any Tuesday: when both day-of-month and
// day-of-week are restricted, either one matching fires the job.
func TestNextRunCronDomDowUnion(t *testing.T) {
	t.Parallel()

	sched := Expr("0 0 13 * 2", time.UTC)

	// 2024-09-04 is a Wednesday; the next Tuesday (the 10th) wins.
	got, err := sched.NextRun(time.Date(2024, 9, 4, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if want := time.Date(2024, 9, 10, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun() = %v, want day-of-week match %v", got, want)
	}

	// From the 11th the 13th (a Friday) wins over the following Tuesday.
	got, err = sched.NextRun(time.Date(2024, 9, 11, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if want := time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun() = %v, want day-of-month match %v", got, want)
	}
}

func TestNextRunCronDowSevenIsSunday(t *testing.T) {
	t.Parallel()

	// 2024-09-07 is a Saturday.
	got, err := Expr("0 12 * * 7", time.UTC).NextRun(time.Date(2024, 9, 7, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if want := time.Date(2024, 9, 8, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NextRun() = %v, want Sunday %v", got, want)
	}
}

func TestCeilDiv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b time.Duration
		want int64
	}{
		{0, 30 * time.Second, 0},
		{time.Second, 30 * time.Second, 1},
		{30 * time.Second, 30 * time.Second, 1},
		{31 * time.Second, 30 * time.Second, 2},
		{90 * time.Second, 30 * time.Second, 3},
	}
	for _, tt := range tests {
		if got := ceilDiv(tt.a, tt.b); got != tt.want {
			t.Errorf("ceilDiv(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestScheduleDescribe(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		sched Schedule
		want  string
	}{
		{At(at), "at 2024-09-04T12:00:00Z"},
		{Every(30 * time.Second), "every 30s"},
		{Expr("30 14 * * *", time.UTC), "cron 30 14 * * *"},
	}
	for _, tt := range tests {
		if got := tt.sched.Describe(); got != tt.want {
			t.Errorf("Describe() = %q, want %q", got, tt.want)
		}
	}
}
