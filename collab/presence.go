package collab

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

type PresenceInfo struct {
	UserId      Id       `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Cell        *CellKey `json:"cell,omitempty"`
}

type PresenceEntry struct {
	ConnectionId Id
	Info         PresenceInfo
}

// per-document set of currently connected identities. purely ephemeral:
// no durability, reset to empty whenever the last connection leaves
type PresenceTracker struct {
	stateLock sync.Mutex
	// sheet id -> member connection ids
	members map[Id]mapset.Set[Id]
	// connection id -> identity
	info map[Id]*PresenceInfo
	// connection id -> joined sheet id
	sheets map[Id]Id
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		members: map[Id]mapset.Set[Id]{},
		info:    map[Id]*PresenceInfo{},
		sheets:  map[Id]Id{},
	}
}

// add the connection to the sheet's presence set. returns the presence
// entries that were already in the set, as a backfill for the joiner
func (self *PresenceTracker) Join(sheetId Id, connectionId Id, info PresenceInfo) []PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	backfill := self.entries(sheetId)

	members, ok := self.members[sheetId]
	if !ok {
		members = mapset.NewSet[Id]()
		self.members[sheetId] = members
	}
	members.Add(connectionId)
	infoCopy := info
	self.info[connectionId] = &infoCopy
	self.sheets[connectionId] = sheetId
	return backfill
}

// remove the connection. returns the sheet it was in and its identity
func (self *PresenceTracker) Leave(connectionId Id) (sheetId Id, info PresenceInfo, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sheetId, ok = self.sheets[connectionId]
	if !ok {
		return Id{}, PresenceInfo{}, false
	}
	info = *self.info[connectionId]
	delete(self.sheets, connectionId)
	delete(self.info, connectionId)
	if members, memberOk := self.members[sheetId]; memberOk {
		members.Remove(connectionId)
		if members.Cardinality() == 0 {
			delete(self.members, sheetId)
		}
	}
	return sheetId, info, true
}

// record the connection's last known cell
func (self *PresenceTracker) UpdateCell(connectionId Id, cell *CellKey) (PresenceInfo, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	info, ok := self.info[connectionId]
	if !ok {
		return PresenceInfo{}, false
	}
	info.Cell = cell
	return *info, true
}

func (self *PresenceTracker) Members(sheetId Id) []PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.entries(sheetId)
}

func (self *PresenceTracker) Count(sheetId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members, ok := self.members[sheetId]
	if !ok {
		return 0
	}
	return members.Cardinality()
}

func (self *PresenceTracker) entries(sheetId Id) []PresenceEntry {
	entries := []PresenceEntry{}
	members, ok := self.members[sheetId]
	if !ok {
		return entries
	}
	members.Each(func(connectionId Id) bool {
		if info, infoOk := self.info[connectionId]; infoOk {
			entries = append(entries, PresenceEntry{
				ConnectionId: connectionId,
				Info:         *info,
			})
		}
		return false
	})
	return entries
}
