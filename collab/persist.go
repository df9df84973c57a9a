package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PersistenceSchedulerSettings struct {
	// a new flush request inside this window supersedes the pending one,
	// coalescing a burst of edits into one durable write
	DebounceTimeout time.Duration
}

func DefaultPersistenceSchedulerSettings() *PersistenceSchedulerSettings {
	return &PersistenceSchedulerSettings{
		DebounceTimeout: 1 * time.Second,
	}
}

// debounced, asynchronous flush of converged documents to durable storage.
// a write failure is logged and never rolls back or blocks the edit path;
// the in-memory store stays authoritative and the next scheduled flush
// retries with the then-current state
type PersistenceScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry     *DocumentRegistry
	durableStore DurableStore

	settings *PersistenceSchedulerSettings

	stateLock sync.Mutex
	timers    map[Id]*time.Timer
}

func NewPersistenceSchedulerWithDefaults(
	ctx context.Context,
	registry *DocumentRegistry,
	durableStore DurableStore,
) *PersistenceScheduler {
	return NewPersistenceScheduler(ctx, registry, durableStore, DefaultPersistenceSchedulerSettings())
}

func NewPersistenceScheduler(
	ctx context.Context,
	registry *DocumentRegistry,
	durableStore DurableStore,
	settings *PersistenceSchedulerSettings,
) *PersistenceScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PersistenceScheduler{
		ctx:          cancelCtx,
		cancel:       cancel,
		registry:     registry,
		durableStore: durableStore,
		settings:     settings,
		timers:       map[Id]*time.Timer{},
	}
}

// (re)arm the debounce timer for the sheet. idempotent re-arm: calling
// again before the timer fires cancels and restarts it
func (self *PersistenceScheduler) ScheduleFlush(sheetId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if timer, ok := self.timers[sheetId]; ok {
		timer.Stop()
	}
	self.timers[sheetId] = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.flush(sheetId)
	})
}

func (self *PersistenceScheduler) flush(sheetId Id) {
	self.stateLock.Lock()
	delete(self.timers, sheetId)
	self.stateLock.Unlock()

	if err := self.Flush(self.ctx, sheetId); err != nil {
		// recovered by the next debounced retry
		glog.Infof("[p]flush %s error = %s\n", sheetId, err)
	}
}

// synchronous flush of the current converged state. used by the debounce
// timer and by shutdown
func (self *PersistenceScheduler) Flush(ctx context.Context, sheetId Id) error {
	entry, ok := self.registry.Get(sheetId)
	if !ok {
		// unloaded since the flush was scheduled
		return nil
	}
	doc := entry.Canonical()
	if err := self.durableStore.SaveCanonical(ctx, sheetId, doc); err != nil {
		return NewSyncError(ErrorCodePersistenceFailure, "save %s: %s", sheetId, err)
	}
	glog.V(2).Infof("[p]flush %s cells=%d\n", sheetId, len(doc.FirstSheet().CellData))
	return nil
}

// flush every resident document, superseding any pending timers
func (self *PersistenceScheduler) FlushAll(ctx context.Context) error {
	self.stateLock.Lock()
	for sheetId, timer := range self.timers {
		timer.Stop()
		delete(self.timers, sheetId)
	}
	self.stateLock.Unlock()

	var lastErr error
	for _, sheetId := range self.registry.Resident() {
		if err := self.Flush(ctx, sheetId); err != nil {
			glog.Infof("[p]flush all %s error = %s\n", sheetId, err)
			lastErr = err
		}
	}
	return lastErr
}

func (self *PersistenceScheduler) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for sheetId, timer := range self.timers {
		timer.Stop()
		delete(self.timers, sheetId)
	}
}
