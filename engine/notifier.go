package engine

import (
	"sync"
	"time"
)

// Notification is an in-process progress event. The pull-based status
// query stays the source of truth; this only feeds optional push
// surfaces such as the websocket handler.
type Notification struct {
	Type        string    `json:"type"` // step_completed, execution_finished
	ExecutionID uint      `json:"execution_id"`
	SequenceID  uint      `json:"sequence_id"`
	InvoiceID   uint      `json:"invoice_id"`
	StepNumber  int       `json:"step_number,omitempty"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

const (
	NotifyStepCompleted     = "step_completed"
	NotifyExecutionFinished = "execution_finished"
)

type Notifier struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Notification]struct{})}
}

// Subscribe returns a buffered channel and its cancel func. Slow
// subscribers lose events rather than blocking the scheduler.
func (n *Notifier) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) Publish(ev Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
