package collab

import (
	"context"
	"encoding/json"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/golang/glog"
)

// delivers an encoded message to the session's peer. must not block the
// caller; transports enqueue onto their own write pump
type SendFunction func(messageJson []byte)

// per-connection state machine: Connected -> Joined(sheetId) -> Disconnected.
// a session joins at most one sheet at a time; re-join replaces the prior
// membership
type SyncSession struct {
	connectionId Id
	identity     *ChannelIdentity
	send         SendFunction

	stateLock     sync.Mutex
	joinedSheetId *Id
}

func (self *SyncSession) ConnectionId() Id {
	return self.connectionId
}

func (self *SyncSession) Identity() *ChannelIdentity {
	return self.identity
}

func (self *SyncSession) JoinedSheetId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.joinedSheetId == nil {
		return Id{}, false
	}
	return *self.joinedSheetId, true
}

func (self *SyncSession) setJoinedSheetId(sheetId *Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.joinedSheetId = sheetId
}

// per-connection message dispatcher implementing join, full-state
// handshake, incremental delta exchange and presence events.
//
// for any two edits accepted in sequence on a document, every other member
// observes the rebroadcasts in that same relative order: accept and fan-out
// run under one per-document serialization point. the crdt merge rule makes
// the final state independent of this ordering; it only shapes what peers
// transiently observe
type SyncHandler struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *DocumentRegistry
	gate      *PermissionGate
	presence  *PresenceTracker
	scheduler *PersistenceScheduler

	stateLock sync.Mutex
	sessions  map[Id]*SyncSession
	// sheet id -> broadcast group member connection ids
	groups map[Id]mapset.Set[Id]
	// per-document accept+fan-out serialization
	docLocks map[Id]*sync.Mutex
}

func NewSyncHandler(
	ctx context.Context,
	registry *DocumentRegistry,
	gate *PermissionGate,
	scheduler *PersistenceScheduler,
) *SyncHandler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncHandler{
		ctx:       cancelCtx,
		cancel:    cancel,
		registry:  registry,
		gate:      gate,
		presence:  NewPresenceTracker(),
		scheduler: scheduler,
		sessions:  map[Id]*SyncSession{},
		groups:    map[Id]mapset.Set[Id]{},
		docLocks:  map[Id]*sync.Mutex{},
	}
}

func (self *SyncHandler) Presence() *PresenceTracker {
	return self.presence
}

// register an authenticated connection. channel authentication happens
// before this, at the transport
func (self *SyncHandler) Connect(identity *ChannelIdentity, send SendFunction) *SyncSession {
	session := &SyncSession{
		connectionId: NewId(),
		identity:     identity,
		send:         send,
	}

	self.stateLock.Lock()
	self.sessions[session.connectionId] = session
	self.stateLock.Unlock()

	glog.V(1).Infof("[h]connect %s user=%s\n", session.connectionId, identity.UserId)
	return session
}

// terminal. removes the connection from its group and emits presence-leave.
// the document stays resident
func (self *SyncHandler) Disconnect(session *SyncSession) {
	self.leave(session)

	self.stateLock.Lock()
	delete(self.sessions, session.connectionId)
	self.stateLock.Unlock()

	glog.V(1).Infof("[h]disconnect %s\n", session.connectionId)
}

// dispatch one inbound message. all failures are replies to the sender
// only; no inbound message ever tears down the connection or affects peers
func (self *SyncHandler) HandleMessage(ctx context.Context, session *SyncSession, messageJson []byte) {
	var envelope MessageEnvelope
	if err := json.Unmarshal(messageJson, &envelope); err != nil {
		self.sendError(session, 0, NewSyncError(ErrorCodeInvalidPayload, "cannot decode message"))
		return
	}

	switch envelope.Type {
	case MessageTypeJoin:
		var message JoinMessage
		if err := json.Unmarshal(messageJson, &message); err != nil || (message.SheetId == Id{}) {
			self.sendError(session, message.RequestId, NewSyncError(ErrorCodeInvalidPayload, "invalid join"))
			return
		}
		self.handleJoin(ctx, session, &message)
	case MessageTypeEdit:
		var message EditMessage
		if err := json.Unmarshal(messageJson, &message); err != nil {
			self.sendError(session, message.RequestId, NewSyncError(ErrorCodeInvalidPayload, "invalid edit"))
			return
		}
		self.handleEdit(ctx, session, &message)
	case MessageTypePresenceUpdate:
		var message PresenceUpdateMessage
		if err := json.Unmarshal(messageJson, &message); err != nil {
			self.sendError(session, 0, NewSyncError(ErrorCodeInvalidPayload, "invalid presence update"))
			return
		}
		self.handlePresenceUpdate(session, &message)
	default:
		self.sendError(session, 0, NewSyncError(ErrorCodeInvalidPayload, "unknown message type %q", envelope.Type))
	}
}

func (self *SyncHandler) handleJoin(ctx context.Context, session *SyncSession, message *JoinMessage) {
	entry, err := self.registry.GetOrCreate(ctx, message.SheetId)
	if err != nil {
		self.sendError(session, message.RequestId, err)
		return
	}

	canRead, permission, err := self.gate.CanRead(ctx, message.SheetId, session.identity.UserId)
	if err != nil {
		self.sendError(session, message.RequestId, err)
		return
	}
	if !canRead {
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodePermissionDenied, "no access to sheet %s", message.SheetId))
		return
	}

	// re-join replaces the prior room membership
	self.leave(session)

	info := PresenceInfo{
		UserId:      session.identity.UserId,
		DisplayName: session.identity.DisplayName,
	}

	docLock := self.docLock(message.SheetId)
	docLock.Lock()

	self.stateLock.Lock()
	group, ok := self.groups[message.SheetId]
	if !ok {
		group = mapset.NewSet[Id]()
		self.groups[message.SheetId] = group
	}
	group.Add(session.connectionId)
	self.stateLock.Unlock()

	// group membership before the snapshot encode, both under the document
	// lock: an edit serialized before this point is in the snapshot, one
	// serialized after reaches this member as a rebroadcast. a duplicate
	// merges as a no-op; a gap would never heal
	state, err := entry.Store().EncodeFullState()
	if err != nil {
		self.stateLock.Lock()
		group.Remove(session.connectionId)
		if group.Cardinality() == 0 {
			delete(self.groups, message.SheetId)
		}
		self.stateLock.Unlock()
		docLock.Unlock()
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodeInvalidPayload, "cannot encode state"))
		return
	}

	backfill := self.presence.Join(message.SheetId, session.connectionId, info)
	session.setJoinedSheetId(&message.SheetId)

	session.send(MarshalMessage(&AckMessage{
		Type:       MessageTypeAck,
		RequestId:  message.RequestId,
		Ok:         true,
		Permission: permission,
	}))
	session.send(MarshalMessage(&SnapshotMessage{
		Type:    MessageTypeSnapshot,
		SheetId: message.SheetId,
		State:   EncodePayload(state),
	}))
	// presence backfill: the current set replayed as join events, so the
	// joiner can enumerate members even though the tracker holds no history
	for _, present := range backfill {
		session.send(MarshalMessage(presenceMessage(MessageTypePresenceJoin, message.SheetId, present.ConnectionId, present.Info)))
	}
	self.fanOut(
		message.SheetId,
		session.connectionId,
		MarshalMessage(presenceMessage(MessageTypePresenceJoin, message.SheetId, session.connectionId, info)),
	)
	docLock.Unlock()

	glog.V(1).Infof("[h]join %s sheet=%s permission=%s\n", session.connectionId, message.SheetId, permission)
}

func (self *SyncHandler) handleEdit(ctx context.Context, session *SyncSession, message *EditMessage) {
	sheetId, joined := session.JoinedSheetId()
	if !joined {
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodeInvalidPayload, "no sheet joined"))
		return
	}

	// re-checked on every edit: a grant may be revoked mid-session
	canWrite, _, err := self.gate.CanWrite(ctx, sheetId, session.identity.UserId)
	if err != nil {
		self.sendError(session, message.RequestId, err)
		return
	}
	if !canWrite {
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodePermissionDenied, "need edit permission"))
		return
	}

	entry, ok := self.registry.Get(sheetId)
	if !ok {
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodeNotFound, "unknown sheet %s", sheetId))
		return
	}

	deltaJson, err := DecodePayload(message.Delta)
	if err != nil {
		self.sendError(session, message.RequestId, NewSyncError(ErrorCodeInvalidPayload, "invalid delta encoding"))
		return
	}

	docLock := self.docLock(sheetId)
	docLock.Lock()

	// all-or-nothing: a corrupt delta leaves the store unchanged and is an
	// error to the sender only
	if _, err := entry.Store().ApplyRemoteDelta(deltaJson); err != nil {
		docLock.Unlock()
		self.sendError(session, message.RequestId, err)
		return
	}

	session.send(MarshalMessage(&AckMessage{
		Type:      MessageTypeAck,
		RequestId: message.RequestId,
		Ok:        true,
	}))
	// rebroadcast verbatim to every other member, even when the merge
	// changed nothing, so peers converge with minimal delay
	self.fanOut(sheetId, session.connectionId, MarshalMessage(&EditBroadcastMessage{
		Type:    MessageTypeEditBroadcast,
		SheetId: sheetId,
		Delta:   message.Delta,
	}))
	docLock.Unlock()

	self.scheduler.ScheduleFlush(sheetId)

	glog.V(2).Infof("[h]edit %s sheet=%s\n", session.connectionId, sheetId)
}

func (self *SyncHandler) handlePresenceUpdate(session *SyncSession, message *PresenceUpdateMessage) {
	sheetId, joined := session.JoinedSheetId()
	if !joined {
		self.sendError(session, 0, NewSyncError(ErrorCodeInvalidPayload, "no sheet joined"))
		return
	}

	// ephemeral: never merged into the store, never persisted
	info, ok := self.presence.UpdateCell(session.connectionId, message.Cell)
	if !ok {
		return
	}
	self.fanOut(
		sheetId,
		session.connectionId,
		MarshalMessage(presenceMessage(MessageTypePresenceUpdate, sheetId, session.connectionId, info)),
	)
}

func (self *SyncHandler) leave(session *SyncSession) {
	sheetId, info, ok := self.presence.Leave(session.connectionId)
	if !ok {
		return
	}
	session.setJoinedSheetId(nil)

	self.stateLock.Lock()
	if group, groupOk := self.groups[sheetId]; groupOk {
		group.Remove(session.connectionId)
		if group.Cardinality() == 0 {
			delete(self.groups, sheetId)
		}
	}
	self.stateLock.Unlock()

	self.fanOut(
		sheetId,
		session.connectionId,
		MarshalMessage(presenceMessage(MessageTypePresenceLeave, sheetId, session.connectionId, info)),
	)
}

// deliver to every group member except `exclude`, in member send order
func (self *SyncHandler) fanOut(sheetId Id, exclude Id, messageJson []byte) {
	self.stateLock.Lock()
	targets := []*SyncSession{}
	if group, ok := self.groups[sheetId]; ok {
		group.Each(func(connectionId Id) bool {
			if connectionId != exclude {
				if target, sessionOk := self.sessions[connectionId]; sessionOk {
					targets = append(targets, target)
				}
			}
			return false
		})
	}
	self.stateLock.Unlock()

	for _, target := range targets {
		target.send(messageJson)
	}
}

func (self *SyncHandler) docLock(sheetId Id) *sync.Mutex {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lock, ok := self.docLocks[sheetId]
	if !ok {
		lock = &sync.Mutex{}
		self.docLocks[sheetId] = lock
	}
	return lock
}

func (self *SyncHandler) sendError(session *SyncSession, requestId uint64, err error) {
	code, ok := SyncErrorCode(err)
	if !ok {
		// an unwrapped error here is a resolver or storage failure, never
		// an authorization outcome
		code = ErrorCodePersistenceFailure
	}
	session.send(MarshalMessage(&ErrorMessage{
		Type:      MessageTypeError,
		RequestId: requestId,
		Code:      code,
		Message:   err.Error(),
	}))
}

func (self *SyncHandler) Close() {
	self.cancel()
}
