package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

// EventType classifies inbound delivery/engagement events.
type EventType string

const (
	EventDelivered     EventType = "delivered"
	EventOpen          EventType = "open"
	EventClick         EventType = "click"
	EventSoftBounce    EventType = "soft_bounce"
	EventHardBounce    EventType = "hard_bounce"
	EventSpamComplaint EventType = "spam_complaint"
	EventReply         EventType = "reply"
)

func ValidEventType(t EventType) bool {
	switch t {
	case EventDelivered, EventOpen, EventClick, EventSoftBounce,
		EventHardBounce, EventSpamComplaint, EventReply:
		return true
	}
	return false
}

// stopReason maps hard signals to the stop reason recorded on the
// execution. Soft signals return "".
func (t EventType) stopReason() string {
	switch t {
	case EventHardBounce:
		return models.StopReasonHardBounce
	case EventSpamComplaint:
		return models.StopReasonSpamComplaint
	case EventReply:
		return models.StopReasonRecipientReply
	}
	return ""
}

// Event is one inbound engagement notification, keyed by the dispatch
// reference the collaborator returned at send time.
type Event struct {
	DispatchRef string    `json:"dispatch_ref"`
	Type        EventType `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// SeenStore remembers processed events so at-least-once delivery from
// the transport stays idempotent here.
type SeenStore interface {
	// SeenOnce marks the key and reports whether it was already present.
	SeenOnce(ctx context.Context, key string) (bool, error)
}

// RedisSeenStore shares the dedup set across worker instances.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisSeenStore{client: client, ttl: ttl}
}

func (r *RedisSeenStore) SeenOnce(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, "dunner:event:"+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// MemorySeenStore is the single-process fallback when Redis is disabled.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]struct{})}
}

func (m *MemorySeenStore) SeenOnce(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = struct{}{}
	return false, nil
}

// Tracker applies engagement events to step logs and raises stop
// signals for the scheduler. It never transitions an execution itself.
type Tracker struct {
	Store  store.Store
	Seen   SeenStore
	Logger *log.Logger
}

func NewTracker(st store.Store, seen SeenStore, logger *log.Logger) *Tracker {
	return &Tracker{Store: st, Seen: seen, Logger: logger}
}

// OnEvent is safe to call with duplicated or unknown events; both are
// absorbed quietly, per the ingestion contract.
func (t *Tracker) OnEvent(ctx context.Context, ev Event) error {
	if !ValidEventType(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	key := fmt.Sprintf("%s|%s|%d", ev.DispatchRef, ev.Type, ev.Timestamp.Unix())
	if dup, err := t.Seen.SeenOnce(ctx, key); err != nil {
		return err
	} else if dup {
		return nil
	}

	stepLog, err := t.Store.GetStepLogByRef(ctx, ev.DispatchRef)
	if errors.Is(err, store.ErrNotFound) {
		t.Logger.Printf("engagement event for unknown dispatch ref %q dropped", ev.DispatchRef)
		return nil
	}
	if err != nil {
		return err
	}

	t.annotate(stepLog, ev)
	if err := t.Store.UpsertStepLog(ctx, stepLog); err != nil {
		return err
	}

	if reason := ev.Type.stopReason(); reason != "" {
		err := t.Store.RequestStop(ctx, stepLog.ExecutionID, reason)
		if errors.Is(err, store.ErrNotFound) {
			// Late event on a finished execution; the annotation above
			// is all that remains to do.
			return nil
		}
		return err
	}
	return nil
}

func (t *Tracker) annotate(stepLog *models.StepLog, ev Event) {
	ts := ev.Timestamp
	switch ev.Type {
	case EventDelivered:
		stepLog.DeliveryStatus = models.DeliveryStatusDelivered
	case EventOpen:
		if stepLog.OpenedAt == nil {
			stepLog.OpenedAt = utils.Pointer(ts)
		}
		stepLog.OpenCount++
	case EventClick:
		if stepLog.ClickedAt == nil {
			stepLog.ClickedAt = utils.Pointer(ts)
		}
		stepLog.ClickCount++
	case EventReply:
		if stepLog.RepliedAt == nil {
			stepLog.RepliedAt = utils.Pointer(ts)
		}
	case EventSoftBounce, EventHardBounce:
		stepLog.DeliveryStatus = models.DeliveryStatusBounced
		stepLog.LastErrorReason = string(ev.Type)
	case EventSpamComplaint:
		stepLog.LastErrorReason = string(ev.Type)
	}
}
