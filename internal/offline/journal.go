package offline

import (
	"errors"
	"sync"
)

var ErrOperationNotFound = errors.New("offline: operation not found")

// Journal is the ordered backing list of a Queue. Append assigns Seq;
// Front returns the lowest Seq still present.
type Journal interface {
	Append(op Operation) (Operation, error)
	Front() (Operation, bool, error)
	Put(op Operation) error
	Remove(id string) error
	All() ([]Operation, error)
	Len() int
	Close() error
}

type MemoryJournal struct {
	mu      sync.Mutex
	nextSeq uint64
	ops     []Operation
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(op Operation) (Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextSeq++
	op.Seq = j.nextSeq
	j.ops = append(j.ops, op)
	return op, nil
}

func (j *MemoryJournal) Front() (Operation, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.ops) == 0 {
		return Operation{}, false, nil
	}
	return j.ops[0], true, nil
}

func (j *MemoryJournal) Put(op Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.ops {
		if j.ops[i].ID == op.ID {
			op.Seq = j.ops[i].Seq
			j.ops[i] = op
			return nil
		}
	}
	return ErrOperationNotFound
}

func (j *MemoryJournal) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.ops {
		if j.ops[i].ID == id {
			j.ops = append(j.ops[:i:i], j.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (j *MemoryJournal) All() ([]Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Operation(nil), j.ops...), nil
}

func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ops)
}

func (j *MemoryJournal) Close() error { return nil }
