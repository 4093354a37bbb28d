package schedule

// Merge applies an incoming snapshot to base and returns the resulting
// schedule. base is not modified.
//
// Completion state is replaced, not merged: a task ends up completed iff its
// id is listed in snap.CompletedTasks, whatever its local flag was.
//
// Custom tasks are unioned by id within their owning block: an incoming
// custom task replaces any task with the same id in that block and is
// appended after the block's remaining tasks; local custom tasks that the
// snapshot does not mention are kept. Custom tasks whose block does not
// exist in base are dropped.
//
// Merge is idempotent: Merge(Merge(b, s), s) equals Merge(b, s).
func Merge(base Schedule, snap Snapshot) Schedule {
	done := snap.CompletedSet()
	incoming := incomingByBlock(snap.CustomTasks)

	out := make(Schedule, len(base))
	for i, b := range base {
		nb := b
		in, ok := incoming[b.ID]
		if !ok {
			in = &blockCustoms{}
		}

		tasks := make([]Task, 0, len(b.Tasks)+len(in.order))
		for _, t := range b.Tasks {
			if _, replaced := in.byID[t.ID]; replaced {
				continue
			}
			tasks = append(tasks, t)
		}
		for _, id := range in.order {
			t := in.byID[id]
			t.IsCustom = true
			tasks = append(tasks, t)
		}
		for j := range tasks {
			_, ok := done[tasks[j].ID]
			tasks[j].Completed = ok
		}

		nb.Tasks = tasks
		out[i] = nb
	}
	return out
}

type blockCustoms struct {
	order []string
	byID  map[string]Task
}

// incomingByBlock groups custom tasks per block. A repeated id keeps its
// first position and its last value.
func incomingByBlock(customs []CustomTask) map[string]*blockCustoms {
	groups := make(map[string]*blockCustoms)
	for _, ct := range customs {
		if ct.Task.ID == "" {
			continue
		}
		g, ok := groups[ct.BlockID]
		if !ok {
			g = &blockCustoms{byID: make(map[string]Task)}
			groups[ct.BlockID] = g
		}
		if _, seen := g.byID[ct.Task.ID]; !seen {
			g.order = append(g.order, ct.Task.ID)
		}
		g.byID[ct.Task.ID] = ct.Task
	}
	return groups
}
