// Package tasks implements the concurrent task engine: per-message periodic
// transmission, signal/code chasers, and bounded fault injection. All tasks
// share one transport send path and one event stream.
package tasks

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"can-bus-tester/internal/events"
	"can-bus-tester/internal/transport"
)

// Kind distinguishes the three task families.
type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindChaser   Kind = "chaser"
	KindFault    Kind = "fault"
)

// Status is the fixed-shape snapshot of a live task. Fields beyond the
// common ones are populated per kind.
type Status struct {
	MessageName     string  `json:"messageName"`
	Kind            Kind    `json:"kind"`
	StartedAt       float64 `json:"startedAt"`
	IntervalSeconds float64 `json:"intervalSeconds,omitempty"`
	LastSentAt      float64 `json:"lastSentAt,omitempty"`

	// Periodic sender.
	PeriodMs int `json:"periodMs,omitempty"`

	// Chaser.
	Mode          ChaserMode `json:"mode,omitempty"`
	Source        CodeSource `json:"source,omitempty"`
	Signals       []string   `json:"signals,omitempty"`
	CurrentSignal string     `json:"currentSignal,omitempty"`
	CurrentCode   string     `json:"currentCode,omitempty"`
	Description   string     `json:"description,omitempty"`
	CodeIndex     int        `json:"codeIndex,omitempty"`
	CodeCount     int        `json:"codeCount,omitempty"`

	// Fault injection.
	FaultType FaultType `json:"faultType,omitempty"`
	Count     int       `json:"count,omitempty"`
	SentCount int       `json:"sentCount,omitempty"`
	Completed bool      `json:"completed,omitempty"`
}

// Task is one live scheduled activity for a message key.
type Task interface {
	Key() string
	Kind() Kind
	Snapshot() Status

	// stop requests the task's loop to exit before its next tick. It never
	// interrupts an in-flight send.
	stop()
}

// Deps are the shared collaborators handed to every task.
type Deps struct {
	Bus    transport.Bus
	Events *events.Broadcaster
	Logger *zap.Logger
}

type taskID struct {
	key  string
	kind Kind
}

// Registry holds at most one live task per (message key, kind). Start and
// stop for a given key are mutually exclusive, so racing starts can never
// create duplicates.
type Registry struct {
	mu     sync.Mutex
	tasks  map[taskID]Task
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tasks:  make(map[taskID]Task),
		logger: logger,
	}
}

// Start installs and launches a new task of the given kind for key. When a
// live task of that kind already exists the call is idempotent: the existing
// task's snapshot is returned unchanged with created == false and build is
// never invoked.
func (r *Registry) Start(key string, kind Kind, build func() (Task, error)) (Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := taskID{key: key, kind: kind}
	if existing, ok := r.tasks[id]; ok {
		return existing.Snapshot(), false, nil
	}

	task, err := build()
	if err != nil {
		return Status{}, false, err
	}
	r.tasks[id] = task

	r.logger.Info("task started",
		zap.String("message", key),
		zap.String("kind", string(kind)))

	return task.Snapshot(), true, nil
}

// Stop removes the task of the given kind for key, returning its last
// snapshot. A missing task is a no-op.
func (r *Registry) Stop(key string, kind Kind) (Status, bool) {
	r.mu.Lock()
	task, ok := r.tasks[taskID{key: key, kind: kind}]
	if ok {
		delete(r.tasks, taskID{key: key, kind: kind})
	}
	r.mu.Unlock()

	if !ok {
		return Status{}, false
	}

	snapshot := task.Snapshot()
	task.stop()

	r.logger.Info("task stopped",
		zap.String("message", key),
		zap.String("kind", string(kind)))

	return snapshot, true
}

// complete removes a task that finished on its own. The identity check
// guards against removing a replacement started after self-completion raced
// with an explicit stop.
func (r *Registry) complete(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := taskID{key: t.Key(), kind: t.Kind()}
	if current, ok := r.tasks[id]; ok && current == t {
		delete(r.tasks, id)
	}
}

// StatusFor returns snapshots of all live tasks for a message key.
func (r *Registry) StatusFor(key string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Status
	for id, task := range r.tasks {
		if id.key == key {
			out = append(out, task.Snapshot())
		}
	}
	sortStatuses(out)
	return out
}

// All returns snapshots of every live task.
func (r *Registry) All() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.Snapshot())
	}
	sortStatuses(out)
	return out
}

// StopAll stops every live task.
func (r *Registry) StopAll() {
	r.mu.Lock()
	tasks := make([]Task, 0, len(r.tasks))
	for id, task := range r.tasks {
		tasks = append(tasks, task)
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.stop()
	}
}

func sortStatuses(statuses []Status) {
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].MessageName != statuses[j].MessageName {
			return statuses[i].MessageName < statuses[j].MessageName
		}
		return statuses[i].Kind < statuses[j].Kind
	})
}
