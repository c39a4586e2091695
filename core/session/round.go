package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deopenchat/core/wire"
)

// State is the lifecycle position of one round.
type State int

const (
	Idle State = iota
	RequestBuilt
	AwaitingResponse
	AwaitingConfirmation
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestBuilt:
		return "request_built"
	case AwaitingResponse:
		return "awaiting_response"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// ErrInvalidTransition is returned when an event arrives in a state that does
// not accept it.
var ErrInvalidTransition = errors.New("session: invalid state transition")

var transitions = map[State][]State{
	Idle:                 {RequestBuilt, AwaitingResponse, Failed},
	RequestBuilt:         {AwaitingResponse, Failed},
	AwaitingResponse:     {AwaitingConfirmation, Failed},
	AwaitingConfirmation: {Completed, Failed},
}

// Round is one request/response/confirmation exchange.
type Round struct {
	mu       sync.Mutex
	state    State
	request  wire.SignedRequest
	response []byte
	respSig  []byte
	cause    error
	timer    *time.Timer
	armed    int
	done     chan struct{}
	onFinish func(*Round)
}

func newRound(onFinish func(*Round)) *Round {
	return &Round{state: Idle, done: make(chan struct{}), onFinish: onFinish}
}

// State returns the current state.
func (r *Round) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Seq is the sequence number the round was opened with.
func (r *Round) Seq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request.Seq
}

// Request returns the signed request that opened the round.
func (r *Round) Request() wire.SignedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request
}

// Response returns the exact response bytes the confirmation must cover.
func (r *Round) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.response...)
}

// Err returns the failure cause once the round has failed.
func (r *Round) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

// Done is closed when the round reaches a terminal state.
func (r *Round) Done() <-chan struct{} {
	return r.done
}

// transition must be called with r.mu held.
func (r *Round) transition(next State) error {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.state = next
			if next.Terminal() {
				r.finish()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, next)
}

// fail must be called with r.mu held. It returns cause for convenience.
func (r *Round) fail(cause error) error {
	if r.state.Terminal() {
		return cause
	}
	r.cause = cause
	r.state = Failed
	r.finish()
	return cause
}

func (r *Round) finish() {
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.done)
	if r.onFinish != nil {
		r.onFinish(r)
	}
}

// arm (re)starts the deadline; must be called with r.mu held.
func (r *Round) arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.armed++
	generation := r.armed
	r.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// a stale timer may fire after being re-armed
		if generation == r.armed && !r.state.Terminal() {
			r.fail(fmt.Errorf("%w: round %d expired in state %s", wire.ErrTimeout, r.request.Seq, r.state))
		}
	})
}
