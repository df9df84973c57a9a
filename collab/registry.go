package collab

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

const DefaultDisplayName = "Untitled"

// durable storage boundary. the store holds one opaque serialized canonical
// document per sheet and may lag the live store by the persistence debounce
// window
type DurableStore interface {
	// (document, present, error)
	LoadCanonical(ctx context.Context, sheetId Id) (*CanonicalDocument, bool, error)
	SaveCanonical(ctx context.Context, sheetId Id, doc *CanonicalDocument) error
}

// one resident shared document. the cell store is the single source of
// truth while the entry is resident
type DocumentEntry struct {
	sheetId Id
	store   *CellStore

	stateLock sync.Mutex
	base      *CanonicalDocument
}

func newDocumentEntry(sheetId Id, base *CanonicalDocument) *DocumentEntry {
	return &DocumentEntry{
		sheetId: sheetId,
		store:   FromCanonicalDocument(base),
		base:    base,
	}
}

func (self *DocumentEntry) SheetId() Id {
	return self.sheetId
}

func (self *DocumentEntry) Store() *CellStore {
	return self.store
}

func (self *DocumentEntry) DisplayName() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.base.Name
}

func (self *DocumentEntry) setDisplayName(name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.base.Name = name
}

// point-in-time canonical projection of the live store
func (self *DocumentEntry) Canonical() *CanonicalDocument {
	self.stateLock.Lock()
	base := self.base
	self.stateLock.Unlock()

	return self.store.ToCanonicalDocument(base)
}

// owns one replicated cell store per shared sheet, lazily created.
// concurrent joins for the same unseen sheet coalesce onto a single
// in-flight load, so two stores are never created for one sheet
type DocumentRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	durableStore DurableStore

	stateLock sync.Mutex
	entries   map[Id]*DocumentEntry
	pending   map[Id]chan struct{}
}

func NewDocumentRegistry(ctx context.Context, durableStore DurableStore) *DocumentRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocumentRegistry{
		ctx:          cancelCtx,
		cancel:       cancel,
		durableStore: durableStore,
		entries:      map[Id]*DocumentEntry{},
		pending:      map[Id]chan struct{}{},
	}
}

func (self *DocumentRegistry) GetOrCreate(ctx context.Context, sheetId Id) (*DocumentEntry, error) {
	for {
		self.stateLock.Lock()
		if entry, ok := self.entries[sheetId]; ok {
			self.stateLock.Unlock()
			return entry, nil
		}
		if loaded, ok := self.pending[sheetId]; ok {
			self.stateLock.Unlock()
			// another joiner is loading this sheet. wait for it
			select {
			case <-loaded:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-self.ctx.Done():
				return nil, self.ctx.Err()
			}
			continue
		}
		loaded := make(chan struct{})
		self.pending[sheetId] = loaded
		self.stateLock.Unlock()

		entry, err := self.load(ctx, sheetId)

		self.stateLock.Lock()
		delete(self.pending, sheetId)
		if err == nil {
			self.entries[sheetId] = entry
		}
		self.stateLock.Unlock()
		close(loaded)
		return entry, err
	}
}

func (self *DocumentRegistry) load(ctx context.Context, sheetId Id) (*DocumentEntry, error) {
	base, present, err := self.durableStore.LoadCanonical(ctx, sheetId)
	if err != nil {
		return nil, NewSyncError(ErrorCodePersistenceFailure, "load %s: %s", sheetId, err)
	}
	if !present {
		return nil, NewSyncError(ErrorCodeNotFound, "unknown sheet %s", sheetId)
	}
	if base == nil {
		base = NewCanonicalDocument(DefaultDisplayName)
	}
	glog.V(1).Infof("[reg]load %s cells=%d\n", sheetId, len(base.FirstSheet().CellData))
	return newDocumentEntry(sheetId, base), nil
}

func (self *DocumentRegistry) Get(sheetId Id) (*DocumentEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[sheetId]
	return entry, ok
}

// cosmetic metadata update. does not affect merge semantics
func (self *DocumentRegistry) UpdateDisplayName(sheetId Id, name string) bool {
	self.stateLock.Lock()
	entry, ok := self.entries[sheetId]
	self.stateLock.Unlock()

	if !ok {
		return false
	}
	entry.setDisplayName(name)
	return true
}

// administrative unload: one final flush, then drop the entry.
// correctness does not require eviction; this exists for operators
func (self *DocumentRegistry) Unload(ctx context.Context, sheetId Id) error {
	self.stateLock.Lock()
	entry, ok := self.entries[sheetId]
	delete(self.entries, sheetId)
	self.stateLock.Unlock()

	if !ok {
		return NewSyncError(ErrorCodeNotFound, "unknown sheet %s", sheetId)
	}
	if err := self.durableStore.SaveCanonical(ctx, sheetId, entry.Canonical()); err != nil {
		return NewSyncError(ErrorCodePersistenceFailure, "final flush for %s: %s", sheetId, err)
	}
	return nil
}

// ids of resident documents
func (self *DocumentRegistry) Resident() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}

func (self *DocumentRegistry) Close() {
	self.cancel()
}
