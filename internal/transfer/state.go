package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTrackerLimit is how many finished operations are remembered.
const DefaultTrackerLimit = 100

// Kind is the direction of a tracked operation.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
)

// State of an in-flight upload or download. Completed and Failed are
// terminal; a failed operation is never resumed.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Operation tracks one upload or download.
type Operation struct {
	mu         sync.Mutex
	id         string
	kind       Kind
	fileID     string
	state      State
	err        error
	createdAt  time.Time
	finishedAt time.Time
	chunksDone int
	bytesDone  int64
}

// OperationStatus is a point-in-time copy of an Operation.
type OperationStatus struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	FileID     string    `json:"file_id"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	ChunksDone int       `json:"chunks_done"`
	BytesDone  int64     `json:"bytes_done"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operation) start() bool {
	return o.transition(StateInProgress, nil)
}

func (o *Operation) complete() bool {
	return o.transition(StateCompleted, nil)
}

func (o *Operation) fail(err error) bool {
	return o.transition(StateFailed, err)
}

// transition applies Pending -> InProgress -> {Completed | Failed}.
// Pending -> Failed is allowed for operations rejected before any chunk work.
func (o *Operation) transition(to State, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	allowed := false
	switch o.state {
	case StatePending:
		allowed = to == StateInProgress || to == StateFailed
	case StateInProgress:
		allowed = to == StateCompleted || to == StateFailed
	}
	if !allowed {
		return false
	}

	o.state = to
	if to.Terminal() {
		o.finishedAt = time.Now()
		o.err = err
	}
	return true
}

func (o *Operation) chunkDone(size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunksDone++
	o.bytesDone += size
}

func (o *Operation) snapshot() OperationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := OperationStatus{
		ID:         o.id,
		Kind:       o.kind,
		FileID:     o.fileID,
		State:      o.state.String(),
		ChunksDone: o.chunksDone,
		BytesDone:  o.bytesDone,
		CreatedAt:  o.createdAt,
		FinishedAt: o.finishedAt,
	}
	if o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}

// Tracker keeps recent operations in creation order.
type Tracker struct {
	mu    sync.Mutex
	ops   []*Operation
	limit int
}

// NewTracker keeps at most limit finished operations.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultTrackerLimit
	}
	return &Tracker{limit: limit}
}

// Begin registers a new pending operation.
func (t *Tracker) Begin(kind Kind, fileID string) *Operation {
	op := &Operation{
		id:        uuid.NewString(),
		kind:      kind,
		fileID:    fileID,
		state:     StatePending,
		createdAt: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
	t.evict()
	return op
}

// List returns snapshots, oldest first.
func (t *Tracker) List() []OperationStatus {
	t.mu.Lock()
	ops := append([]*Operation(nil), t.ops...)
	t.mu.Unlock()

	out := make([]OperationStatus, len(ops))
	for i, op := range ops {
		out[i] = op.snapshot()
	}
	return out
}

// evict drops the oldest finished operations beyond the limit. Running
// operations are never dropped.
func (t *Tracker) evict() {
	excess := len(t.ops) - t.limit
	if excess <= 0 {
		return
	}
	kept := t.ops[:0]
	for _, op := range t.ops {
		if excess > 0 && op.State().Terminal() {
			excess--
			continue
		}
		kept = append(kept, op)
	}
	t.ops = kept
}
