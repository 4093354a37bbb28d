// Package schedule holds the day schedule model shared by every device and
// the reconciler that applies snapshots received from peers.
//
// A Schedule is an ordered list of time blocks. Each block carries its base
// tasks plus any custom tasks the user added on one of the devices. The
// synchronizable part of a schedule is captured by a Snapshot: the set of
// completed task ids and the list of custom tasks.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CustomIDPrefix is prepended to the id of every task added by the user.
const CustomIDPrefix = "custom-"

var (
	// ErrBlockNotFound is returned when a time block id is unknown.
	ErrBlockNotFound = errors.New("time block not found")

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotCustom is returned when removing a task that belongs to the
	// base schedule.
	ErrNotCustom = errors.New("task is not a custom task")
)

// Task is a single checkable item inside a time block.
type Task struct {
	ID        string `json:"id" yaml:"id"`
	Text      string `json:"text" yaml:"text"`
	Completed bool   `json:"completed" yaml:"completed"`
	IsCustom  bool   `json:"isCustom,omitempty" yaml:"custom,omitempty"`
}

// TimeBlock is a slice of the working day. StartTime and EndTime use
// 24h "HH:MM" notation; the range is half-open.
type TimeBlock struct {
	ID          string `json:"id" yaml:"id"`
	StartTime   string `json:"startTime" yaml:"start"`
	EndTime     string `json:"endTime" yaml:"end"`
	Title       string `json:"title" yaml:"title"`
	Tasks       []Task `json:"tasks" yaml:"tasks"`
	IsRecurring bool   `json:"isRecurring,omitempty" yaml:"recurring,omitempty"`
}

// Schedule is the ordered list of time blocks for one day.
type Schedule []TimeBlock

// Stats summarises task completion.
type Stats struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	if s == nil {
		return nil
	}
	out := make(Schedule, len(s))
	for i, b := range s {
		out[i] = b
		out[i].Tasks = append([]Task(nil), b.Tasks...)
	}
	return out
}

// Block returns the block with the given id.
func (s Schedule) Block(id string) (*TimeBlock, bool) {
	for i := range s {
		if s[i].ID == id {
			return &s[i], true
		}
	}
	return nil, false
}

// TaskIDs returns every task id in schedule order.
func (s Schedule) TaskIDs() []string {
	var ids []string
	for _, b := range s {
		for _, t := range b.Tasks {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// CompletedIDs returns the ids of all completed tasks in schedule order.
func (s Schedule) CompletedIDs() []string {
	ids := []string{}
	for _, b := range s {
		for _, t := range b.Tasks {
			if t.Completed {
				ids = append(ids, t.ID)
			}
		}
	}
	return ids
}

// ToggleTask flips the completed flag of every task with the given id.
func (s Schedule) ToggleTask(taskID string) error {
	found := false
	for i := range s {
		for j := range s[i].Tasks {
			if s[i].Tasks[j].ID == taskID {
				s[i].Tasks[j].Completed = !s[i].Tasks[j].Completed
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// AddCustomTask appends a new custom task to the given block and returns it.
func (s Schedule) AddCustomTask(blockID, text string) (Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Task{}, fmt.Errorf("task text is required")
	}
	block, ok := s.Block(blockID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	task := Task{
		ID:       CustomIDPrefix + uuid.NewString(),
		Text:     text,
		IsCustom: true,
	}
	block.Tasks = append(block.Tasks, task)
	return task, nil
}

// RemoveCustomTask deletes a custom task. Base tasks cannot be removed.
func (s Schedule) RemoveCustomTask(taskID string) error {
	for i := range s {
		for j, t := range s[i].Tasks {
			if t.ID != taskID {
				continue
			}
			if !t.IsCustom {
				return fmt.Errorf("%w: %s", ErrNotCustom, taskID)
			}
			s[i].Tasks = append(s[i].Tasks[:j:j], s[i].Tasks[j+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Reset drops every custom task and clears all completion flags.
func (s Schedule) Reset() {
	for i := range s {
		kept := s[i].Tasks[:0:0]
		for _, t := range s[i].Tasks {
			if t.IsCustom {
				continue
			}
			t.Completed = false
			kept = append(kept, t)
		}
		s[i].Tasks = kept
	}
}

// Stats returns completion statistics over all tasks.
func (s Schedule) Stats() Stats {
	var st Stats
	for _, b := range s {
		for _, t := range b.Tasks {
			st.Total++
			if t.Completed {
				st.Completed++
			}
		}
	}
	if st.Total > 0 {
		st.Percentage = float64(st.Completed) / float64(st.Total) * 100
	}
	return st
}

// CurrentBlock returns the first block whose range contains the clock time
// of now, or nil outside working hours.
func (s Schedule) CurrentBlock(now time.Time) *TimeBlock {
	minute := now.Hour()*60 + now.Minute()
	for i := range s {
		start, err := ParseClock(s[i].StartTime)
		if err != nil {
			continue
		}
		end, err := ParseClock(s[i].EndTime)
		if err != nil {
			continue
		}
		if minute >= start && minute < end {
			return &s[i]
		}
	}
	return nil
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(clock string) (int, error) {
	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", clock)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", clock)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return h*60 + m, nil
}
