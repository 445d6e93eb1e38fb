package usecase

import (
	"fmt"
	"sync"
)

type State string

const (
	StateInit        State = "INIT"
	StateValidating  State = "VALIDATING"
	StateRunning     State = "RUNNING"
	StateUploading   State = "UPLOADING"
	StateVerifying   State = "VERIFYING"
	StateDownloading State = "DOWNLOADING"
	StateRestoring   State = "RESTORING"
	StateReporting   State = "REPORTING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Every non-terminal state may also move to FAILED.
var transitions = map[State][]State{
	StateInit:        {StateValidating},
	StateValidating:  {StateRunning},
	StateRunning:     {StateUploading, StateDownloading},
	StateUploading:   {StateVerifying},
	StateVerifying:   {StateReporting},
	StateDownloading: {StateRestoring},
	StateRestoring:   {StateReporting},
	StateReporting:   {StateDone},
}

// Lifecycle tracks a job through its states and logs every transition.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	history []State
	logger  Logger
}

func NewLifecycle(logger Logger) *Lifecycle {
	return &Lifecycle{state: StateInit, history: []State{StateInit}, logger: logger}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) History() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.history...)
}

func (l *Lifecycle) Terminal() bool {
	s := l.State()
	return s == StateDone || s == StateFailed
}

// Advance moves to the next state, rejecting transitions the job flow does
// not allow.
func (l *Lifecycle) Advance(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, next := range transitions[l.state] {
		if next == to {
			l.logger.Infow("state transition", "from", l.state, "to", to)
			l.state = to
			l.history = append(l.history, to)
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s", l.state, to)
}

// Fail moves any non-terminal state to FAILED.
func (l *Lifecycle) Fail(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateDone || l.state == StateFailed {
		return
	}
	l.logger.Errorw("state transition", "from", l.state, "to", StateFailed, "error", cause)
	l.state = StateFailed
	l.history = append(l.history, StateFailed)
}
