// Package journal keeps an ordered log of undo operations so that in-memory state can be
// restored to an earlier point.
package journal

const defaultOps = 8

type op struct {
	label string
	undo  func()
}

// Journal is not safe for concurrent use; it belongs to a single unit of work.
type Journal struct {
	ops []op
}

func New() *Journal {
	return &Journal{ops: make([]op, 0, defaultOps)}
}

// Append records how to undo a mutation that has just been applied.
func (j *Journal) Append(label string, undo func()) {
	j.ops = append(j.ops, op{label: label, undo: undo})
}

// OpIndex returns the number of operations recorded so far.
func (j *Journal) OpIndex() int {
	return len(j.ops)
}

// Rollback undoes every operation from the most recent back to restorePoint (inclusive),
// leaving the journal at length restorePoint.
func (j *Journal) Rollback(restorePoint int) {
	if restorePoint < 0 {
		restorePoint = 0
	}
	for i := len(j.ops) - 1; i >= restorePoint; i-- {
		j.ops[i].undo()
	}
	if restorePoint < len(j.ops) {
		j.ops = j.ops[:restorePoint]
	}
}

// Labels returns the labels of recorded operations in order.
func (j *Journal) Labels() []string {
	labels := make([]string, len(j.ops))
	for i, o := range j.ops {
		labels[i] = o.label
	}
	return labels
}

// Reset drops all recorded operations without undoing them.
func (j *Journal) Reset() {
	j.ops = j.ops[:0]
}
