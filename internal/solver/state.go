package solver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/pkg/logger"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived          State = "received"
	StateInputValidated    State = "input_validated"
	StateRetrieved         State = "retrieved"
	StateRoutedComputation State = "routed_computation"
	StateRoutedReasoning   State = "routed_reasoning"
	StateSynthesized       State = "synthesized"
	StateOutputValidated   State = "output_validated"
	StateCompleted         State = "completed"
	StateRejected          State = "rejected"
	StateFailed            State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

var stateMessages = map[State]string{
	StateReceived:          "Question received",
	StateInputValidated:    "Question accepted",
	StateRetrieved:         "Context gathered",
	StateRoutedComputation: "Running computation",
	StateRoutedReasoning:   "Reasoning through the problem",
	StateSynthesized:       "Solution drafted",
	StateOutputValidated:   "Solution checked",
	StateCompleted:         "Done",
}

// Observer receives each transition with a human-readable message. It is
// called from the request goroutine and must not block.
type Observer func(state State, message string)

// tracker records the transitions of one request. recoverable may be
// called from the fan-out goroutines.
type tracker struct {
	sessionID string
	observer  Observer
	log       *zap.Logger

	mu      sync.Mutex
	current State
}

func newTracker(sessionID string, observer Observer) *tracker {
	return &tracker{
		sessionID: sessionID,
		observer:  observer,
		log:       logger.WithSession(sessionID),
	}
}

func (t *tracker) to(s State, message string) {
	t.mu.Lock()
	if t.current.Terminal() {
		t.mu.Unlock()
		return
	}
	t.current = s
	t.mu.Unlock()

	if message == "" {
		message = stateMessages[s]
	}
	metrics.StateTransitions.WithLabelValues(string(s)).Inc()
	if s.Terminal() {
		metrics.SolveTotal.WithLabelValues(string(s)).Inc()
	}
	t.log.Debug("State transition", zap.String("state", string(s)))
	if t.observer != nil {
		t.observer(s, message)
	}
}

func (t *tracker) recoverable(err error, msg string) {
	cat := domain.CategoryOf(err)
	metrics.RecoverableErrors.WithLabelValues(string(cat)).Inc()
	t.log.Warn(msg, zap.String("category", string(cat)), zap.Error(err))
}
