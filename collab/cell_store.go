package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// replicated cell store: a last-write-wins map from cell key to cell value.
// merge is commutative, associative and idempotent, so replicas converge
// for any delivery order, duplication or interleaving. deletions are kept
// as tombstones so a stale concurrent set cannot resurrect a deleted cell.
//
// conflict rule for the same key: higher lamport clock wins; on equal
// clocks the bytewise higher writer replica id wins.

// causal frontier: writer replica id -> highest op sequence incorporated
type VersionVector map[Id]uint64

func (self VersionVector) Get(replicaId Id) uint64 {
	return self[replicaId]
}

func (self VersionVector) Put(replicaId Id, seq uint64) {
	if self[replicaId] < seq {
		self[replicaId] = seq
	}
}

func (self VersionVector) Copy() VersionVector {
	out := VersionVector{}
	for replicaId, seq := range self {
		out[replicaId] = seq
	}
	return out
}

// true iff self[x] <= other[x] for all x
func (self VersionVector) Leq(other VersionVector) bool {
	for replicaId, seq := range self {
		if other.Get(replicaId) < seq {
			return false
		}
	}
	return true
}

func (self VersionVector) MarshalJSON() ([]byte, error) {
	m := map[string]uint64{}
	for replicaId, seq := range self {
		m[replicaId.String()] = seq
	}
	return json.Marshal(m)
}

func (self *VersionVector) UnmarshalJSON(data []byte) error {
	m := map[string]uint64{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*self = VersionVector{}
	for replicaIdStr, seq := range m {
		replicaId, err := ParseId(replicaIdStr)
		if err != nil {
			return err
		}
		(*self)[replicaId] = seq
	}
	return nil
}

// one replicated register per cell key
type cellRecord struct {
	value   CellValue
	clock   uint64
	replica Id
	seq     uint64
	deleted bool
}

// pure merge rule. true iff `next` supersedes `current`.
// applying the same record twice is a no-op because equal (clock, replica)
// never wins.
func recordWins(next *cellRecord, current *cellRecord) bool {
	if current == nil {
		return true
	}
	if next.clock != current.clock {
		return current.clock < next.clock
	}
	if next.replica != current.replica {
		return current.replica.LessThan(next.replica)
	}
	return false
}

type DeltaEntry struct {
	Key     CellKey   `json:"k"`
	Value   CellValue `json:"v,omitempty"`
	Deleted bool      `json:"d,omitempty"`
	Clock   uint64    `json:"c"`
	Replica Id        `json:"a"`
	Seq     uint64    `json:"s"`
}

// a compact encoding of one or more cell changes, sufficient for any
// replica to merge
type CellDelta struct {
	Entries []DeltaEntry `json:"entries"`
}

func (self *CellDelta) EncodeJson() ([]byte, error) {
	return json.Marshal(self)
}

// decode and structurally validate a delta. a failure here is a corrupt
// delta; nothing from a partially valid delta is ever applied.
func DecodeCellDelta(deltaJson []byte) (*CellDelta, error) {
	var delta CellDelta
	if err := json.Unmarshal(deltaJson, &delta); err != nil {
		return nil, NewSyncError(ErrorCodeCorruptDelta, "cannot decode delta: %s", err)
	}
	if len(delta.Entries) == 0 {
		return nil, NewSyncError(ErrorCodeCorruptDelta, "delta has no entries")
	}
	for i := range delta.Entries {
		entry := &delta.Entries[i]
		if (entry.Replica == Id{}) {
			return nil, NewSyncError(ErrorCodeCorruptDelta, "delta entry %d has no replica id", i)
		}
		if entry.Clock == 0 || entry.Seq == 0 {
			return nil, NewSyncError(ErrorCodeCorruptDelta, "delta entry %d has no clock", i)
		}
		if !entry.Deleted && len(entry.Value) == 0 {
			return nil, NewSyncError(ErrorCodeCorruptDelta, "delta entry %d has no value", i)
		}
	}
	return &delta, nil
}

// full state snapshot, self-contained. a new replica initializes from this
type cellStoreState struct {
	Frontier VersionVector `json:"frontier"`
	Entries  []DeltaEntry  `json:"entries"`
}

type CellStore struct {
	replicaId Id

	stateLock sync.Mutex
	seq       uint64
	clock     uint64
	cells     map[CellKey]*cellRecord
	frontier  VersionVector
}

func NewCellStore() *CellStore {
	return NewCellStoreWithReplicaId(NewId())
}

func NewCellStoreWithReplicaId(replicaId Id) *CellStore {
	return &CellStore{
		replicaId: replicaId,
		cells:     map[CellKey]*cellRecord{},
		frontier:  VersionVector{},
	}
}

func (self *CellStore) ReplicaId() Id {
	return self.replicaId
}

// set a cell locally, returning the delta that carries exactly this change
func (self *CellStore) ApplyLocalSet(key CellKey, value CellValue) *CellDelta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.applyLocal(key, value, false)
}

// delete a cell locally. the tombstone is a first-class record
func (self *CellStore) ApplyLocalDelete(key CellKey) *CellDelta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.applyLocal(key, nil, true)
}

func (self *CellStore) applyLocal(key CellKey, value CellValue, deleted bool) *CellDelta {
	self.seq += 1
	self.clock += 1
	record := &cellRecord{
		value:   value,
		clock:   self.clock,
		replica: self.replicaId,
		seq:     self.seq,
		deleted: deleted,
	}
	self.cells[key] = record
	self.frontier.Put(self.replicaId, self.seq)
	return &CellDelta{
		Entries: []DeltaEntry{
			{
				Key:     key,
				Value:   record.value,
				Deleted: record.deleted,
				Clock:   record.clock,
				Replica: record.replica,
				Seq:     record.seq,
			},
		},
	}
}

// merge an externally produced delta. stale, duplicate or dominated entries
// are no-ops on the affected keys. returns true iff any key changed.
// fails only with a corrupt delta, in which case the store is unchanged.
func (self *CellStore) ApplyRemoteDelta(deltaJson []byte) (bool, error) {
	delta, err := DecodeCellDelta(deltaJson)
	if err != nil {
		return false, err
	}
	return self.MergeDelta(delta), nil
}

func (self *CellStore) MergeDelta(delta *CellDelta) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changed := false
	for i := range delta.Entries {
		entry := &delta.Entries[i]
		next := &cellRecord{
			value:   entry.Value,
			clock:   entry.Clock,
			replica: entry.Replica,
			seq:     entry.Seq,
			deleted: entry.Deleted,
		}
		if recordWins(next, self.cells[entry.Key]) {
			self.cells[entry.Key] = next
			changed = true
		}
		self.frontier.Put(entry.Replica, entry.Seq)
		if self.clock < entry.Clock {
			self.clock = entry.Clock
		}
	}
	return changed
}

// state summary of everything this store has incorporated
func (self *CellStore) Frontier() VersionVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.frontier.Copy()
}

// minimal delta carrying every record the given summary has not seen.
// nil if the summary already dominates this store
func (self *CellStore) DeltaSince(frontier VersionVector) *CellDelta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []DeltaEntry{}
	for key, record := range self.cells {
		if frontier.Get(record.replica) < record.seq {
			entries = append(entries, DeltaEntry{
				Key:     key,
				Value:   record.value,
				Deleted: record.deleted,
				Clock:   record.clock,
				Replica: record.replica,
				Seq:     record.seq,
			})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	sortEntries(entries)
	return &CellDelta{Entries: entries}
}

func (self *CellStore) Get(key CellKey) (CellValue, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.cells[key]
	if !ok || record.deleted {
		return nil, false
	}
	return record.value, true
}

// count of live (non-tombstone) cells
func (self *CellStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, record := range self.cells {
		if !record.deleted {
			n += 1
		}
	}
	return n
}

func (self *CellStore) EncodeFullState() ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]DeltaEntry, 0, len(self.cells))
	for key, record := range self.cells {
		entries = append(entries, DeltaEntry{
			Key:     key,
			Value:   record.value,
			Deleted: record.deleted,
			Clock:   record.clock,
			Replica: record.replica,
			Seq:     record.seq,
		})
	}
	sortEntries(entries)
	state := &cellStoreState{
		Frontier: self.frontier.Copy(),
		Entries:  entries,
	}
	return json.Marshal(state)
}

// initialize a fresh store from a full state snapshot. used only at
// creation time
func DecodeFullState(stateJson []byte) (*CellStore, error) {
	var state cellStoreState
	if err := json.Unmarshal(stateJson, &state); err != nil {
		return nil, fmt.Errorf("cannot decode full state: %w", err)
	}
	store := NewCellStore()
	if state.Entries != nil {
		store.MergeDelta(&CellDelta{Entries: state.Entries})
	}
	store.stateLock.Lock()
	defer store.stateLock.Unlock()
	for replicaId, seq := range state.Frontier {
		store.frontier.Put(replicaId, seq)
	}
	return store, nil
}

// project the mapping into the canonical workbook. the base document
// contributes the display name, config and any sheets beyond the first;
// the first sheet's celldata is replaced with the live cells in row-major
// order
func (self *CellStore) ToCanonicalDocument(base *CanonicalDocument) *CanonicalDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc := &CanonicalDocument{
		Name:   base.Name,
		Sheets: append([]CanonicalSheet{}, base.Sheets...),
	}
	keys := []CellKey{}
	for key, record := range self.cells {
		if !record.deleted {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i int, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})
	cellData := make([]CanonicalCell, 0, len(keys))
	for _, key := range keys {
		cellData = append(cellData, CanonicalCell{
			R: key.Row,
			C: key.Col,
			V: self.cells[key].value,
		})
	}
	doc.FirstSheet().CellData = cellData
	return doc
}

// hydrate a fresh store from the canonical workbook. used once when a
// document is lazily loaded from durable storage
func FromCanonicalDocument(doc *CanonicalDocument) *CellStore {
	store := NewCellStore()
	store.stateLock.Lock()
	defer store.stateLock.Unlock()

	for _, cell := range doc.FirstSheet().CellData {
		if cell.R < 0 || cell.C < 0 || len(cell.V) == 0 {
			continue
		}
		store.applyLocal(NewCellKey(cell.R, cell.C), cell.V, false)
	}
	return store
}

func sortEntries(entries []DeltaEntry) {
	sort.Slice(entries, func(i int, j int) bool {
		if entries[i].Key.Row != entries[j].Key.Row {
			return entries[i].Key.Row < entries[j].Key.Row
		}
		return entries[i].Key.Col < entries[j].Key.Col
	})
}

// replica ids currently represented in the store, for diagnostics
func (self *CellStore) Replicas() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.frontier)
}
