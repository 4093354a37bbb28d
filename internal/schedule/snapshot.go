package schedule

import (
	"fmt"
	"time"
)

// CustomTask is a user-added task together with the block that owns it.
type CustomTask struct {
	BlockID string `json:"timeBlockId" yaml:"block"`
	Task    Task   `json:"task" yaml:"task"`
}

// Snapshot is the unit exchanged between devices: the full completion set
// and every custom task at a point in time.
type Snapshot struct {
	CompletedTasks []string     `json:"completedTasks"`
	CustomTasks    []CustomTask `json:"customTasks"`
	LastUpdated    time.Time    `json:"lastUpdated"`
}

// Snapshot captures the synchronizable state of the schedule.
func (s Schedule) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		CompletedTasks: []string{},
		CustomTasks:    []CustomTask{},
		LastUpdated:    now.UTC(),
	}
	seen := make(map[string]struct{})
	for _, b := range s {
		for _, t := range b.Tasks {
			if t.Completed {
				if _, dup := seen[t.ID]; !dup {
					seen[t.ID] = struct{}{}
					snap.CompletedTasks = append(snap.CompletedTasks, t.ID)
				}
			}
			if t.IsCustom {
				snap.CustomTasks = append(snap.CustomTasks, CustomTask{BlockID: b.ID, Task: t})
			}
		}
	}
	return snap
}

// CompletedSet returns the completed ids as a set.
func (snap Snapshot) CompletedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(snap.CompletedTasks))
	for _, id := range snap.CompletedTasks {
		set[id] = struct{}{}
	}
	return set
}

// IsFromDay reports whether the snapshot was last updated on the same local
// calendar day as now.
func (snap Snapshot) IsFromDay(now time.Time) bool {
	if snap.LastUpdated.IsZero() {
		return false
	}
	y1, m1, d1 := snap.LastUpdated.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Validate checks structural integrity of a snapshot received from a peer.
func (snap Snapshot) Validate() error {
	for i, ct := range snap.CustomTasks {
		if ct.BlockID == "" {
			return fmt.Errorf("custom task %d: block id is required", i)
		}
		if ct.Task.ID == "" {
			return fmt.Errorf("custom task %d: task id is required", i)
		}
	}
	for i, id := range snap.CompletedTasks {
		if id == "" {
			return fmt.Errorf("completed task %d: empty id", i)
		}
	}
	return nil
}
