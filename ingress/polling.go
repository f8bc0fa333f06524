package ingress

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// DefaultMinPollInterval floors polling frequency so a misconfigured trigger
// cannot hammer an upstream API.
const DefaultMinPollInterval = 30 * time.Second

// Poller executes one poll operation against the trigger's connector and
// returns the fetched items. The runtime's connector invoker implements it.
type Poller interface {
	Poll(ctx context.Context, trigger *PollingTrigger) ([]map[string]any, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context, trigger *PollingTrigger) ([]map[string]any, error)

func (f PollerFunc) Poll(ctx context.Context, trigger *PollingTrigger) ([]map[string]any, error) {
	return f(ctx, trigger)
}

// PollScheduler drives polling triggers on per-trigger timers. Each trigger
// runs in its own loop goroutine; item handling within a trigger is
// sequential, so events from one trigger reach the sink in poll order.
type PollScheduler struct {
	store  TriggerStore
	poller Poller
	sink   EventSink
	seen   *SeenSet
	logger *slog.Logger

	minInterval time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// PollSchedulerOption configures a PollScheduler.
type PollSchedulerOption func(*PollScheduler)

// WithMinPollInterval sets the floor on trigger intervals.
func WithMinPollInterval(d time.Duration) PollSchedulerOption {
	return func(s *PollScheduler) {
		if d > 0 {
			s.minInterval = d
		}
	}
}

// WithPollDedupeWindow sets how many item hashes the seen-set retains.
// Polling dedupe is tracked separately from webhook dedupe.
func WithPollDedupeWindow(n int) PollSchedulerOption {
	return func(s *PollScheduler) {
		s.seen = NewSeenSet(n)
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) PollSchedulerOption {
	return func(s *PollScheduler) {
		s.logger = logger
	}
}

// NewPollScheduler creates a scheduler. Call Start to begin polling.
func NewPollScheduler(store TriggerStore, poller Poller, sink EventSink, opts ...PollSchedulerOption) *PollScheduler {
	s := &PollScheduler{
		store:       store,
		poller:      poller,
		sink:        sink,
		seen:        NewSeenSet(DefaultDedupeWindow),
		logger:      slog.Default(),
		minInterval: DefaultMinPollInterval,
		running:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads active triggers from the store and begins their poll loops.
func (s *PollScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	triggers, err := s.store.ListPollingTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list polling triggers: %w", err)
	}
	for _, trigger := range triggers {
		if trigger.IsActive {
			s.startLoop(trigger)
		}
	}
	s.logger.Info("poll scheduler started", "triggers", len(triggers))
	return nil
}

// Stop cancels all poll loops and waits for them to finish.
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.wg.Wait()
}

// Register persists the trigger and, when active, starts its loop.
func (s *PollScheduler) Register(ctx context.Context, trigger *PollingTrigger) error {
	if trigger.Interval < s.minInterval {
		trigger.Interval = s.minInterval
	}
	if err := s.store.PutPollingTrigger(ctx, trigger); err != nil {
		return err
	}
	s.Deregister(trigger.ID)
	if trigger.IsActive {
		s.startLoop(trigger)
	}
	return nil
}

// Deregister stops the trigger's loop if one is running.
func (s *PollScheduler) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
}

func (s *PollScheduler) startLoop(trigger *PollingTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	loopCtx, cancel := context.WithCancel(s.ctx)
	s.running[trigger.ID] = cancel
	clone := *trigger
	s.wg.Add(1)
	go s.loop(loopCtx, &clone)
}

func (s *PollScheduler) loop(ctx context.Context, trigger *PollingTrigger) {
	defer s.wg.Done()

	interval := trigger.Interval
	if interval < s.minInterval {
		interval = s.minInterval
	}

	// Honor a stored nextPoll so restarts don't poll early.
	if wait := time.Until(trigger.NextPoll); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tickOnce(ctx, trigger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick polls the trigger immediately, outside its schedule. Used by the
// manual tick endpoint and tests.
func (s *PollScheduler) Tick(ctx context.Context, id string) (int, error) {
	trigger, err := s.store.GetPollingTrigger(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.poll(ctx, trigger)
}

func (s *PollScheduler) tickOnce(ctx context.Context, trigger *PollingTrigger) {
	emitted, err := s.poll(ctx, trigger)
	if err != nil {
		s.logger.Warn("poll failed",
			"trigger_id", trigger.ID,
			"app_id", trigger.AppID,
			"error", err)
		return
	}

	trigger.NextPoll = time.Now().Add(trigger.Interval).UTC()
	if err := s.store.PutPollingTrigger(ctx, trigger); err != nil {
		s.logger.Warn("persist nextPoll failed", "trigger_id", trigger.ID, "error", err)
	}
	if emitted > 0 {
		s.logger.Info("poll emitted events",
			"trigger_id", trigger.ID,
			"workflow_id", trigger.WorkflowID,
			"events", emitted)
	}
}

// poll fetches items and emits events for ones not seen before.
func (s *PollScheduler) poll(ctx context.Context, trigger *PollingTrigger) (int, error) {
	items, err := s.poller.Poll(ctx, trigger)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, item := range items {
		var hash string
		if trigger.DedupeKey != "" {
			if value, ok := item[trigger.DedupeKey]; ok {
				hash = itemHash(trigger.ID, fmt.Sprintf("%v", value))
				if s.seen.Seen(hash) {
					continue
				}
			}
		}
		if hash == "" {
			// No dedupe key: the event still carries a content hash, but
			// it does not suppress deliveries.
			hash = itemHash(trigger.ID, payloadDigest(item))
		}

		event := &TriggerEvent{
			ID:            ulid.Make().String(),
			TriggerID:     trigger.ID,
			WorkflowID:    trigger.WorkflowID,
			AppID:         trigger.AppID,
			Type:          EventPolling,
			Timestamp:     time.Now().UTC(),
			Headers:       map[string]string{"x-trigger-type": "polling"},
			Payload:       item,
			DedupeHash:    hash,
			CorrelationID: uuid.New().String(),
		}
		if err := s.sink.Handle(ctx, event); err != nil {
			s.logger.Error("event sink failed",
				"event_id", event.ID,
				"trigger_id", trigger.ID,
				"error", err)
			continue
		}
		emitted++
	}
	return emitted, nil
}

// payloadDigest canonicalizes an item that has no dedupe key value.
// json.Marshal sorts map keys, so equal items digest equally.
func payloadDigest(item map[string]any) string {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(b)
}

func itemHash(triggerID, value string) string {
	h := blake3.New()
	h.Write([]byte(triggerID))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
