package task

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

var (
	// ErrCanceled unwinds work belonging to a task whose cancellation was requested.
	ErrCanceled = errors.New("task canceled")
	// ErrDuplicateTask is returned when registering an id that is already live.
	ErrDuplicateTask = errors.New("task already registered")
)

// State of a registry entry.
type State string

const (
	StateActive          State = "active"
	StateCancelRequested State = "cancel_requested"
)

// CancelResult reports what RequestCancel did.
type CancelResult string

const (
	CancelRequested CancelResult = "canceled"
	AlreadyCanceled CancelResult = "already_canceled"
	CancelNotFound  CancelResult = "not_found"
)

// ProcessHandle is an OS process spawned on behalf of a task.
type ProcessHandle interface {
	Pid() int
	Terminate() error
}

type entry struct {
	state     State
	done      chan struct{}
	processes mapset.Set[ProcessHandle]
}

// Registry is the process-wide table of live tasks. One lock guards the
// whole table; callers never perform network I/O while it is held.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		log:     logger.Named("registry"),
	}
}

// Register creates an active entry for taskID.
func (r *Registry) Register(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[taskID]; ok {
		r.log.Warn("task already registered", zap.String("task_id", taskID))
		return ErrDuplicateTask
	}
	r.entries[taskID] = &entry{
		state:     StateActive,
		done:      make(chan struct{}),
		processes: mapset.NewThreadUnsafeSet[ProcessHandle](),
	}
	r.log.Debug("task registered", zap.String("task_id", taskID))
	return nil
}

// RequestCancel marks taskID as canceled and signals every process it still
// owns. It is safe to call any number of times and for unknown ids.
func (r *Registry) RequestCancel(taskID string) CancelResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		r.log.Info("cancel requested for unknown task", zap.String("task_id", taskID))
		return CancelNotFound
	}
	if e.state == StateCancelRequested {
		return AlreadyCanceled
	}

	e.state = StateCancelRequested
	close(e.done)
	for _, p := range e.processes.ToSlice() {
		if err := p.Terminate(); err != nil {
			r.log.Warn("could not terminate process",
				zap.String("task_id", taskID), zap.Int("pid", p.Pid()), zap.Error(err))
			continue
		}
		r.log.Info("terminated process", zap.String("task_id", taskID), zap.Int("pid", p.Pid()))
	}
	e.processes.Clear()
	r.log.Info("task marked for cancellation", zap.String("task_id", taskID))
	return CancelRequested
}

// Check returns ErrCanceled once a cancel was requested for taskID. The mark
// stays set until Release, so every caller observes it.
func (r *Registry) Check(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[taskID]; ok && e.state == StateCancelRequested {
		return ErrCanceled
	}
	return nil
}

// Done returns a channel closed when taskID is canceled. Unknown ids get a
// channel that is never closed.
func (r *Registry) Done(taskID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[taskID]; ok {
		return e.done
	}
	return make(chan struct{})
}

// TrackProcess records p as owned by taskID. The returned func must be called
// once the process exits. A task that is already canceled gets its process
// terminated on the spot.
func (r *Registry) TrackProcess(taskID string, p ProcessHandle) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		// Untracked work (no live task) cannot be canceled, nothing to record.
		return func() {}, nil
	}
	if e.state == StateCancelRequested {
		if err := p.Terminate(); err != nil {
			r.log.Warn("could not terminate process",
				zap.String("task_id", taskID), zap.Int("pid", p.Pid()), zap.Error(err))
		}
		return func() {}, ErrCanceled
	}

	e.processes.Add(p)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.processes.Remove(p)
	}, nil
}

// State reports the registry state of taskID.
func (r *Registry) State(taskID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Release forgets taskID and any process handles it still owns.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, taskID)
	r.log.Debug("task released", zap.String("task_id", taskID))
}
