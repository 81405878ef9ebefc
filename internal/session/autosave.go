package session

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultSaveInterval is the periodic save cadence for sessions with
	// at least one message.
	defaultSaveInterval = 20 * time.Second

	// saveDebounce coalesces bursts of mutations into one write.
	saveDebounce = 250 * time.Millisecond
)

// recordSaver is the slice of Store the autosaver needs.
type recordSaver interface {
	Save(rec *ConversationRecord) error
}

// Autosaver owns a conversation record and keeps it persisted: mutations
// trigger a debounced save, a ticker saves periodically while the record
// has messages, and Close performs one final save. Storage failures are
// logged and swallowed; persistence never interrupts a conversation.
type Autosaver struct {
	saver    recordSaver
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	rec    *ConversationRecord
	closed bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewAutosaver starts the autosave loop for rec. A non-positive interval
// means the default.
func NewAutosaver(saver recordSaver, rec *ConversationRecord, interval time.Duration, logger *slog.Logger) *Autosaver {
	if interval <= 0 {
		interval = defaultSaveInterval
	}
	a := &Autosaver{
		saver:    saver,
		logger:   logger,
		interval: interval,
		rec:      rec,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Update applies fn to the record under the autosaver's lock and
// schedules a debounced save. All record mutations go through here so a
// save never observes a half-applied change. Calls after Close are
// dropped.
func (a *Autosaver) Update(fn func(rec *ConversationRecord)) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	fn(a.rec)
	a.mu.Unlock()

	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns a deep copy of the current record.
func (a *Autosaver) Snapshot() *ConversationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.Clone()
}

// Replace swaps in a different record, such as a freshly created
// session, and persists it.
func (a *Autosaver) Replace(rec *ConversationRecord) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.rec = rec
	a.mu.Unlock()

	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Flush saves the current record immediately and reports the outcome.
func (a *Autosaver) Flush() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	cp := a.rec.Clone()
	a.mu.Unlock()
	return a.saver.Save(cp)
}

// Close saves one final time and stops the loop. Later Update calls
// become no-ops, so nothing resurrects the record after teardown.
func (a *Autosaver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cp := a.rec.Clone()
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	return a.saver.Save(cp)
}

func (a *Autosaver) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-a.kick:
			// Let a burst of mutations settle before writing.
			timer := time.NewTimer(saveDebounce)
			select {
			case <-a.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			a.save("change")
		case <-ticker.C:
			if a.hasMessages() {
				a.save("interval")
			}
		}
	}
}

func (a *Autosaver) hasMessages() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rec.Messages) > 0
}

func (a *Autosaver) save(trigger string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	cp := a.rec.Clone()
	a.mu.Unlock()

	if err := a.saver.Save(cp); err != nil {
		a.logger.Warn("autosave failed",
			slog.String("session_id", cp.SessionID),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
	}
}
