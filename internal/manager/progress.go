package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation phases.
const (
	PhaseResolving   = "resolving"
	PhaseDownloading = "downloading"
	PhaseExtracting  = "extracting"
	PhaseLinking     = "linking"
	PhaseDone        = "done"
	PhaseFailed      = "failed"
	PhaseCancelled   = "cancelled"
)

// Operation is the queryable status record of one long-running task. The
// background task updates it; the UI reads it by polling or via the event
// stream.
type Operation struct {
	ID         string    `json:"id"`
	Tag        string    `json:"tag"`
	Kind       string    `json:"kind"`
	Phase      string    `json:"phase"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Active reports whether the operation is still in flight.
func (o *Operation) Active() bool {
	switch o.Phase {
	case PhaseDone, PhaseFailed, PhaseCancelled:
		return false
	}
	return true
}

// opRegistry tracks in-flight and recently finished operations.
type opRegistry struct {
	mu      sync.Mutex
	ops     map[string]*Operation
	cancels map[string]context.CancelFunc
}

func newOpRegistry() *opRegistry {
	return &opRegistry{
		ops:     make(map[string]*Operation),
		cancels: make(map[string]context.CancelFunc),
	}
}

// begin registers a new operation and returns its id plus a cancellable
// context derived from ctx.
func (r *opRegistry) begin(ctx context.Context, tag, kind string) (string, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	op := &Operation{
		ID:        uuid.NewString(),
		Tag:       tag,
		Kind:      kind,
		Phase:     PhaseResolving,
		StartedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.ops[op.ID] = op
	r.cancels[op.ID] = cancel
	r.mu.Unlock()
	return op.ID, opCtx
}

// update applies fn to the operation under the registry lock.
func (r *opRegistry) update(id string, fn func(*Operation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		fn(op)
		op.UpdatedAt = time.Now().UTC()
	}
}

// get returns a copy of the operation.
func (r *opRegistry) get(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// byTag returns a copy of the most recently started operation for tag.
func (r *opRegistry) byTag(tag string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Operation
	for _, op := range r.ops {
		if op.Tag != tag {
			continue
		}
		if latest == nil || op.StartedAt.After(latest.StartedAt) {
			latest = op
		}
	}
	if latest == nil {
		return Operation{}, false
	}
	return *latest, true
}

// cancel requests cancellation of an in-flight operation.
func (r *opRegistry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || !op.Active() {
		return false
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	return true
}

// finish releases the cancel func once the task has completed.
func (r *opRegistry) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}
