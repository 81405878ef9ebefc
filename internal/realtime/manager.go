package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/caresync/internal/errs"
	"github.com/carebridge/caresync/internal/status"
)

const (
	defaultOpenTimeout = 10 * time.Second
	dispatchQueueSize  = 64
)

// RetryPolicy controls automatic reconnection after a channel drops.
type RetryPolicy struct {
	Enabled    bool
	Interval   time.Duration
	MaxRetries int
}

// Config describes one subscription: whose rows to watch, which topics,
// and how to react to events and status changes.
type Config struct {
	// OwnerID restricts every topic to rows owned by this user.
	OwnerID string
	// Callbacks maps each requested topic to its event handler.
	// Handlers for one topic run sequentially, in arrival order.
	Callbacks map[Topic]func(ChangeEvent)
	// Retry governs reconnection after drops.
	Retry RetryPolicy
	// OnStatus, when set, observes aggregate status changes for the
	// lifetime of the subscription.
	OnStatus status.Observer
	// OpenTimeout bounds each channel-open attempt. Zero means the
	// default.
	OpenTimeout time.Duration
}

type topicKey struct {
	owner string
	topic Topic
}

type registration struct {
	id        string
	cfg       Config
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	removeObs func()
}

// Manager owns the push subscriptions of one client session. Each topic
// gets its own channel and worker; the state machine reflects channel
// health and a retry loop re-opens dropped channels until the policy is
// exhausted.
type Manager struct {
	transport Transport
	machine   *status.Machine
	logger    *slog.Logger

	mu       sync.Mutex
	subs     map[string]*registration
	active   map[topicKey]string
	lastCfg  *Config
	onSynced func(time.Time)
}

func NewManager(transport Transport, machine *status.Machine, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		machine:   machine,
		logger:    logger,
		subs:      make(map[string]*registration),
		active:    make(map[topicKey]string),
	}
}

// OnSynced registers fn to be called with the local arrival time of
// every delivered event. Set during wiring, before Subscribe.
func (m *Manager) OnSynced(fn func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSynced = fn
}

// Subscribe starts one channel per configured topic and returns a
// subscription id. It fails with errs.ErrNoCredentials when no owner is
// configured and errs.ErrAlreadySubscribed when any requested topic is
// already active for that owner. Connection progress is reported through
// the status machine, not the return value.
func (m *Manager) Subscribe(ctx context.Context, cfg Config) (string, error) {
	if cfg.OwnerID == "" {
		for topic := range cfg.Callbacks {
			m.machine.Transition(string(topic), status.EventFailed)
		}
		return "", errs.ErrNoCredentials
	}
	if len(cfg.Callbacks) == 0 {
		return "", fmt.Errorf("subscribe: no topics configured")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}

	m.mu.Lock()
	for topic := range cfg.Callbacks {
		if _, busy := m.active[topicKey{cfg.OwnerID, topic}]; busy {
			m.mu.Unlock()
			return "", fmt.Errorf("topic %s: %w", topic, errs.ErrAlreadySubscribed)
		}
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	reg := &registration{id: id, cfg: cfg, cancel: cancel}
	if cfg.OnStatus != nil {
		reg.removeObs = m.machine.AddObserver(cfg.OnStatus)
	}
	m.subs[id] = reg
	for topic := range cfg.Callbacks {
		m.active[topicKey{cfg.OwnerID, topic}] = id
	}
	cfgCopy := cfg
	m.lastCfg = &cfgCopy
	m.mu.Unlock()

	for topic, callback := range cfg.Callbacks {
		reg.wg.Add(1)
		go func(topic Topic, callback func(ChangeEvent)) {
			defer reg.wg.Done()
			m.runTopic(runCtx, reg, topic, callback)
		}(topic, callback)
	}

	m.logger.Info("subscribed",
		slog.String("subscription_id", id),
		slog.Int("topics", len(cfg.Callbacks)))
	return id, nil
}

// Unsubscribe tears down the subscription and waits for its workers to
// finish. Unknown or already-released ids are a no-op.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	reg, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, id)
	for topic := range reg.cfg.Callbacks {
		delete(m.active, topicKey{reg.cfg.OwnerID, topic})
	}
	m.mu.Unlock()

	reg.cancel()
	reg.wg.Wait()
	for topic := range reg.cfg.Callbacks {
		m.machine.Forget(string(topic))
	}
	if reg.removeObs != nil {
		reg.removeObs()
	}
	m.logger.Info("unsubscribed", slog.String("subscription_id", id))
}

// Reconnect tears down every active subscription and re-subscribes with
// the most recent configuration. This is the only path out of a
// retries-exhausted Error state.
func (m *Manager) Reconnect(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.lastCfg == nil {
		m.mu.Unlock()
		return "", errs.ErrNothingToReconnect
	}
	cfg := *m.lastCfg
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	// Acknowledge failed topics so the new workers enter through a
	// fresh Connecting, not a resumed Error.
	for topic := range cfg.Callbacks {
		if m.machine.TopicStatus(string(topic)) == status.Error {
			m.machine.Transition(string(topic), status.EventReset)
		}
	}
	for _, id := range ids {
		m.Unsubscribe(id)
	}
	return m.Subscribe(ctx, cfg)
}

// Close releases every active subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// runTopic is one topic's worker: open the channel, pump events, and
// retry on drops until the policy is exhausted or ctx is cancelled.
func (m *Manager) runTopic(ctx context.Context, reg *registration, topic Topic, callback func(ChangeEvent)) {
	events := make(chan ChangeEvent, dispatchQueueSize)
	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		for ev := range events {
			callback(ev)
		}
	}()
	defer func() {
		close(events)
		dispatchWG.Wait()
	}()

	name := string(topic)
	filter := ownerFilter(reg.cfg.OwnerID)
	drops := 0

	if m.machine.TopicStatus(name) == status.Error {
		m.machine.Transition(name, status.EventRetrying)
	} else {
		m.machine.Transition(name, status.EventDialing)
	}

	for {
		ch, err := m.openChannel(ctx, topic, filter, reg.cfg.OpenTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("channel open failed",
				slog.String("topic", name),
				slog.String("error", err.Error()))
			m.machine.Transition(name, status.EventDropped)
			if !m.waitRetry(ctx, reg, name, &drops) {
				return
			}
			continue
		}

		m.machine.Transition(name, status.EventOpened)
		m.logger.Info("channel open", slog.String("topic", name))

		err = m.pump(ctx, ch, topic, events, &drops)
		ch.Close()
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("channel dropped",
			slog.String("topic", name),
			slog.String("error", err.Error()))
		m.machine.Transition(name, status.EventDropped)
		if !m.waitRetry(ctx, reg, name, &drops) {
			return
		}
	}
}

// pump receives events until the channel fails, delivering each to the
// topic's dispatch queue. A full queue drops the event rather than
// blocking the reader. A successful receive resets the drop counter, so
// only consecutive failures count against the retry budget.
func (m *Manager) pump(ctx context.Context, ch Channel, topic Topic, events chan<- ChangeEvent, drops *int) error {
	for {
		ev, err := ch.Recv(ctx)
		if err != nil {
			return err
		}
		*drops = 0

		m.mu.Lock()
		synced := m.onSynced
		m.mu.Unlock()
		if synced != nil {
			synced(time.Now())
		}

		select {
		case events <- ev:
		default:
			m.logger.Warn("dispatch queue full, dropping event",
				slog.String("topic", string(topic)),
				slog.String("type", string(ev.Type)))
		}
	}
}

// waitRetry counts a drop against the retry budget and sleeps out the
// retry interval. It reports false when the worker should stop, either
// because retries are exhausted (topic goes to Error) or ctx ended.
func (m *Manager) waitRetry(ctx context.Context, reg *registration, name string, drops *int) bool {
	*drops++
	if !reg.cfg.Retry.Enabled || *drops > reg.cfg.Retry.MaxRetries {
		m.machine.Transition(name, status.EventFailed)
		m.logger.Error("giving up on topic",
			slog.String("topic", name),
			slog.Int("drops", *drops),
			slog.String("error", errs.ErrRetriesExhausted.Error()))
		return false
	}

	timer := time.NewTimer(reg.cfg.Retry.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) openChannel(ctx context.Context, topic Topic, filter string, timeout time.Duration) (Channel, error) {
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.transport.OpenChannel(openCtx, topic, filter)
}
