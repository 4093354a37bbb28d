package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultDay(t *testing.T) {
	day := DefaultDay()
	if len(day) == 0 {
		t.Fatal("default day is empty")
	}

	seen := make(map[string]bool)
	for _, id := range day.TaskIDs() {
		if seen[id] {
			t.Errorf("duplicate task id %q", id)
		}
		seen[id] = true
	}
	for _, b := range day {
		if _, err := ParseClock(b.StartTime); err != nil {
			t.Errorf("block %s: %v", b.ID, err)
		}
		if _, err := ParseClock(b.EndTime); err != nil {
			t.Errorf("block %s: %v", b.ID, err)
		}
	}

	// Each call must return an independent copy.
	day[0].Tasks[0].Completed = true
	if DefaultDay()[0].Tasks[0].Completed {
		t.Error("DefaultDay shares state between calls")
	}
}

func TestToggleTask(t *testing.T) {
	s := DefaultDay()
	if err := s.ToggleTask("startup-1"); err != nil {
		t.Fatalf("ToggleTask failed: %v", err)
	}
	if !s[0].Tasks[0].Completed {
		t.Error("expected startup-1 completed")
	}
	if err := s.ToggleTask("startup-1"); err != nil {
		t.Fatalf("ToggleTask failed: %v", err)
	}
	if s[0].Tasks[0].Completed {
		t.Error("expected startup-1 incomplete after second toggle")
	}
	if err := s.ToggleTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCustomTasks(t *testing.T) {
	s := DefaultDay()

	task, err := s.AddCustomTask("lunch", "  Wandelen  ")
	if err != nil {
		t.Fatalf("AddCustomTask failed: %v", err)
	}
	if !strings.HasPrefix(task.ID, CustomIDPrefix) {
		t.Errorf("custom id %q missing prefix", task.ID)
	}
	if task.Text != "Wandelen" || !task.IsCustom {
		t.Errorf("unexpected task %+v", task)
	}
	if _, ok := findTask(s, task.ID); !ok {
		t.Fatal("custom task not stored in schedule")
	}

	if _, err := s.AddCustomTask("nope", "x"); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
	if _, err := s.AddCustomTask("lunch", "   "); err == nil {
		t.Error("expected error for blank text")
	}

	if err := s.RemoveCustomTask("startup-1"); !errors.Is(err, ErrNotCustom) {
		t.Errorf("expected ErrNotCustom, got %v", err)
	}
	if err := s.RemoveCustomTask(task.ID); err != nil {
		t.Fatalf("RemoveCustomTask failed: %v", err)
	}
	if _, ok := findTask(s, task.ID); ok {
		t.Error("custom task still present after removal")
	}
	if err := s.RemoveCustomTask(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestReset(t *testing.T) {
	s := DefaultDay()
	_ = s.ToggleTask("startup-1")
	if _, err := s.AddCustomTask("startup", "extra"); err != nil {
		t.Fatalf("AddCustomTask failed: %v", err)
	}

	s.Reset()

	if st := s.Stats(); st.Completed != 0 {
		t.Errorf("expected no completed tasks after reset, got %d", st.Completed)
	}
	if len(s.Snapshot(time.Now()).CustomTasks) != 0 {
		t.Error("expected custom tasks dropped after reset")
	}
}

func TestStats(t *testing.T) {
	s := Schedule{{ID: "x", Tasks: []Task{{ID: "1", Completed: true}, {ID: "2"}, {ID: "3"}, {ID: "4", Completed: true}}}}
	st := s.Stats()
	if st.Total != 4 || st.Completed != 2 || st.Percentage != 50 {
		t.Errorf("unexpected stats %+v", st)
	}
	if empty := (Schedule{}).Stats(); empty.Percentage != 0 {
		t.Errorf("empty schedule percentage = %v, want 0", empty.Percentage)
	}
}

func TestCurrentBlock(t *testing.T) {
	s := DefaultDay()
	at := func(clock string) time.Time {
		tm, err := time.Parse("15:04", clock)
		if err != nil {
			t.Fatalf("bad clock %q: %v", clock, err)
		}
		return tm
	}

	tests := []struct {
		clock string
		want  string
	}{
		{clock: "07:49", want: ""},
		{clock: "07:50", want: "startup"},
		{clock: "08:00", want: "morning-review"},
		{clock: "09:47", want: "focus-block"},
		{clock: "16:59", want: "day-closure"},
		{clock: "17:00", want: ""},
	}
	for _, tt := range tests {
		got := s.CurrentBlock(at(tt.clock))
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("%s: expected no block, got %s", tt.clock, got.ID)
		case tt.want != "" && (got == nil || got.ID != tt.want):
			t.Errorf("%s: expected %s, got %v", tt.clock, tt.want, got)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "07:50", want: 470},
		{in: "23:59", want: 1439},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "1200", wantErr: true},
		{in: "ab:cd", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	s := DefaultDay()
	_ = s.ToggleTask("startup-2")
	custom, _ := s.AddCustomTask("startup", "extra")
	_ = s.ToggleTask(custom.ID)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	snap := s.Snapshot(now)

	if len(snap.CompletedTasks) != 2 {
		t.Errorf("expected 2 completed, got %v", snap.CompletedTasks)
	}
	if len(snap.CustomTasks) != 1 || snap.CustomTasks[0].BlockID != "startup" {
		t.Errorf("unexpected customs %+v", snap.CustomTasks)
	}
	if !snap.LastUpdated.Equal(now) {
		t.Errorf("LastUpdated = %v, want %v", snap.LastUpdated, now)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if !snap.IsFromDay(now.Add(2 * time.Hour)) {
		t.Error("expected snapshot from same day")
	}
	if snap.IsFromDay(now.Add(24 * time.Hour)) {
		t.Error("expected snapshot from previous day to be stale")
	}
}

func TestSnapshotValidate(t *testing.T) {
	bad := Snapshot{CustomTasks: []CustomTask{{BlockID: "", Task: Task{ID: "x"}}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for missing block id")
	}
	bad = Snapshot{CompletedTasks: []string{""}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty completed id")
	}
}
