package offline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

const opPrefix = "offline:op:"

// PebbleJournal persists operations under zero-padded sequence keys so
// iteration order is enqueue order, including after a restart.
type PebbleJournal struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq uint64
	index   map[string]uint64
}

var _ Journal = (*PebbleJournal)(nil)

func OpenPebbleJournal(dir string) (*PebbleJournal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("offline: open journal %s: %w", dir, err)
	}
	j := &PebbleJournal{db: db, index: make(map[string]uint64)}
	if err := j.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func opKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", opPrefix, seq))
}

func seqFromKey(k []byte) (uint64, error) {
	return strconv.ParseUint(string(k[len(opPrefix):]), 10, 64)
}

func (j *PebbleJournal) newIter() (*pebble.Iterator, error) {
	return j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(opPrefix),
		UpperBound: []byte("offline:op;"),
	})
}

func (j *PebbleJournal) load() error {
	ops, err := j.All()
	if err != nil {
		return err
	}
	for _, op := range ops {
		j.index[op.ID] = op.Seq
		if op.Seq > j.nextSeq {
			j.nextSeq = op.Seq
		}
	}
	return nil
}

func (j *PebbleJournal) write(op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := j.db.Set(opKey(op.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("offline: write %s: %w", op.ID, err)
	}
	return nil
}

func (j *PebbleJournal) Append(op Operation) (Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	op.Seq = j.nextSeq + 1
	if err := j.write(op); err != nil {
		return Operation{}, err
	}
	j.nextSeq = op.Seq
	j.index[op.ID] = op.Seq
	return op, nil
}

func (j *PebbleJournal) Front() (Operation, bool, error) {
	iter, err := j.newIter()
	if err != nil {
		return Operation{}, false, err
	}
	defer iter.Close()

	if !iter.First() {
		return Operation{}, false, nil
	}
	var op Operation
	if err := json.Unmarshal(iter.Value(), &op); err != nil {
		return Operation{}, false, fmt.Errorf("offline: decode %s: %w", iter.Key(), err)
	}
	return op, true, nil
}

func (j *PebbleJournal) Put(op Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, ok := j.index[op.ID]
	if !ok {
		return ErrOperationNotFound
	}
	op.Seq = seq
	return j.write(op)
}

func (j *PebbleJournal) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, ok := j.index[id]
	if !ok {
		return nil
	}
	if err := j.db.Delete(opKey(seq), pebble.Sync); err != nil {
		return fmt.Errorf("offline: delete %s: %w", id, err)
	}
	delete(j.index, id)
	return nil
}

func (j *PebbleJournal) All() ([]Operation, error) {
	iter, err := j.newIter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Operation
	for iter.First(); iter.Valid(); iter.Next() {
		var op Operation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			return nil, fmt.Errorf("offline: decode %s: %w", iter.Key(), err)
		}
		if seq, err := seqFromKey(iter.Key()); err == nil {
			op.Seq = seq
		}
		out = append(out, op)
	}
	return out, iter.Error()
}

func (j *PebbleJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.index)
}

func (j *PebbleJournal) Close() error {
	return j.db.Close()
}
