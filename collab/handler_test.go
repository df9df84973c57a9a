package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// captures everything the handler sends to one connection
type testInbox struct {
	stateLock sync.Mutex
	messages  [][]byte
}

func (self *testInbox) send(messageJson []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.messages = append(self.messages, messageJson)
}

// drain all pending messages in send order
func (self *testInbox) take() [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := self.messages
	self.messages = nil
	return out
}

func (self *testInbox) takeOne(t *testing.T) []byte {
	messages := self.take()
	assert.Equal(t, len(messages), 1)
	return messages[0]
}

func decodeMessage[T any](t *testing.T, messageJson []byte, expectedType string) *T {
	var envelope MessageEnvelope
	err := json.Unmarshal(messageJson, &envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, expectedType)

	message := new(T)
	err = json.Unmarshal(messageJson, message)
	assert.Equal(t, err, nil)
	return message
}

type handlerTest struct {
	cancel context.CancelFunc

	store     *memoryStore
	resolver  *testResolver
	registry  *DocumentRegistry
	scheduler *PersistenceScheduler
	handler   *SyncHandler
}

func newHandlerTest(debounceTimeout time.Duration) *handlerTest {
	cancelCtx, cancel := context.WithCancel(context.Background())

	store := newMemoryStore()
	resolver := newTestResolver()
	registry := NewDocumentRegistry(cancelCtx, store)
	scheduler := NewPersistenceScheduler(
		cancelCtx,
		registry,
		store,
		&PersistenceSchedulerSettings{
			DebounceTimeout: debounceTimeout,
		},
	)
	handler := NewSyncHandler(cancelCtx, registry, NewPermissionGate(resolver), scheduler)

	return &handlerTest{
		cancel:    cancel,
		store:     store,
		resolver:  resolver,
		registry:  registry,
		scheduler: scheduler,
		handler:   handler,
	}
}

func (self *handlerTest) close() {
	self.handler.Close()
	self.scheduler.Close()
	self.registry.Close()
	self.cancel()
}

func (self *handlerTest) connect(userId Id, displayName string) (*SyncSession, *testInbox) {
	inbox := &testInbox{}
	session := self.handler.Connect(
		&ChannelIdentity{
			UserId:      userId,
			DisplayName: displayName,
		},
		inbox.send,
	)
	return session, inbox
}

// join and consume the handshake, returning the client-side replica
// initialized from the snapshot
func (self *handlerTest) join(t *testing.T, session *SyncSession, inbox *testInbox, sheetId Id) *CellStore {
	self.handler.HandleMessage(context.Background(), session, MarshalMessage(&JoinMessage{
		Type:    MessageTypeJoin,
		SheetId: sheetId,
	}))

	messages := inbox.take()
	if len(messages) < 2 {
		t.Fatalf("expected ack and snapshot, got %d messages", len(messages))
	}
	ack := decodeMessage[AckMessage](t, messages[0], MessageTypeAck)
	assert.Equal(t, ack.Ok, true)

	snapshot := decodeMessage[SnapshotMessage](t, messages[1], MessageTypeSnapshot)
	assert.Equal(t, snapshot.SheetId, sheetId)
	state, err := DecodePayload(snapshot.State)
	assert.Equal(t, err, nil)
	replica, err := DecodeFullState(state)
	assert.Equal(t, err, nil)
	return replica
}

func editMessage(t *testing.T, replica *CellStore, requestId uint64, key CellKey, value CellValue) []byte {
	delta := replica.ApplyLocalSet(key, value)
	deltaJson, err := delta.EncodeJson()
	assert.Equal(t, err, nil)
	return MarshalMessage(&EditMessage{
		Type:      MessageTypeEdit,
		RequestId: requestId,
		Delta:     EncodePayload(deltaJson),
	})
}

func TestSyncHandlerJoinHandshake(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionOwner)
	ht.resolver.setGrant(sheetId, userIdB, PermissionEdit)

	sessionA, inboxA := ht.connect(userIdA, "alice")

	ht.handler.HandleMessage(context.Background(), sessionA, MarshalMessage(&JoinMessage{
		Type:      MessageTypeJoin,
		RequestId: 1,
		SheetId:   sheetId,
	}))
	messages := inboxA.take()
	assert.Equal(t, len(messages), 2)
	ack := decodeMessage[AckMessage](t, messages[0], MessageTypeAck)
	assert.Equal(t, ack.RequestId, uint64(1))
	assert.Equal(t, ack.Ok, true)
	assert.Equal(t, ack.Permission, PermissionOwner)
	snapshot := decodeMessage[SnapshotMessage](t, messages[1], MessageTypeSnapshot)
	state, err := DecodePayload(snapshot.State)
	assert.Equal(t, err, nil)
	replicaA, err := DecodeFullState(state)
	assert.Equal(t, err, nil)
	assert.Equal(t, replicaA.Len(), 0)

	// the second joiner is backfilled with the first member, and the first
	// member is notified of the join
	sessionB, inboxB := ht.connect(userIdB, "bob")
	ht.handler.HandleMessage(context.Background(), sessionB, MarshalMessage(&JoinMessage{
		Type:    MessageTypeJoin,
		SheetId: sheetId,
	}))
	messages = inboxB.take()
	assert.Equal(t, len(messages), 3)
	backfill := decodeMessage[PresenceMessage](t, messages[2], MessageTypePresenceJoin)
	assert.Equal(t, backfill.ConnectionId, sessionA.ConnectionId())
	assert.Equal(t, backfill.DisplayName, "alice")

	joined := decodeMessage[PresenceMessage](t, inboxA.takeOne(t), MessageTypePresenceJoin)
	assert.Equal(t, joined.ConnectionId, sessionB.ConnectionId())
	assert.Equal(t, joined.DisplayName, "bob")

	assert.Equal(t, ht.handler.Presence().Count(sheetId), 2)
}

func TestSyncHandlerJoinUnknownSheet(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	session, inbox := ht.connect(NewId(), "alice")
	ht.handler.HandleMessage(context.Background(), session, MarshalMessage(&JoinMessage{
		Type:      MessageTypeJoin,
		RequestId: 3,
		SheetId:   NewId(),
	}))

	errorMessage := decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.RequestId, uint64(3))
	assert.Equal(t, errorMessage.Code, ErrorCodeNotFound)
}

func TestSyncHandlerJoinNoAccess(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "private")

	session, inbox := ht.connect(NewId(), "mallory")
	ht.handler.HandleMessage(context.Background(), session, MarshalMessage(&JoinMessage{
		Type:    MessageTypeJoin,
		SheetId: sheetId,
	}))

	errorMessage := decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodePermissionDenied)

	// the denied connection never joined, so an edit has no target sheet
	ht.handler.HandleMessage(context.Background(), session, MarshalMessage(&EditMessage{
		Type:  MessageTypeEdit,
		Delta: EncodePayload([]byte(`{"entries":[]}`)),
	}))
	errorMessage = decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodeInvalidPayload)
}

func TestSyncHandlerEditFlow(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionEdit)
	ht.resolver.setGrant(sheetId, userIdB, PermissionView)

	sessionA, inboxA := ht.connect(userIdA, "alice")
	sessionB, inboxB := ht.connect(userIdB, "bob")
	replicaA := ht.join(t, sessionA, inboxA, sheetId)
	replicaB := ht.join(t, sessionB, inboxB, sheetId)
	inboxA.take()
	inboxB.take()

	key := NewCellKey(0, 0)
	ht.handler.HandleMessage(context.Background(), sessionA, editMessage(t, replicaA, 7, key, rawValue("hello")))

	// the editor gets an ack, every other member gets the rebroadcast
	ack := decodeMessage[AckMessage](t, inboxA.takeOne(t), MessageTypeAck)
	assert.Equal(t, ack.RequestId, uint64(7))
	assert.Equal(t, ack.Ok, true)

	broadcast := decodeMessage[EditBroadcastMessage](t, inboxB.takeOne(t), MessageTypeEditBroadcast)
	assert.Equal(t, broadcast.SheetId, sheetId)
	deltaJson, err := DecodePayload(broadcast.Delta)
	assert.Equal(t, err, nil)
	changed, err := replicaB.ApplyRemoteDelta(deltaJson)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)

	value, ok := replicaB.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), string(rawValue("hello")))

	entry, ok := ht.registry.Get(sheetId)
	assert.Equal(t, ok, true)
	value, ok = entry.Store().Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), string(rawValue("hello")))

	// the edit reaches durable storage after the debounce window
	waitForSaves(t, ht.store, sheetId, 1)
	saved := ht.store.savedDocument(t, sheetId)
	assert.Equal(t, len(saved.FirstSheet().CellData), 1)
	assert.Equal(t, string(saved.FirstSheet().CellData[0].V), string(rawValue("hello")))
}

func TestSyncHandlerEditPermissionDenied(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionEdit)
	ht.resolver.setGrant(sheetId, userIdB, PermissionView)

	sessionA, inboxA := ht.connect(userIdA, "alice")
	sessionB, inboxB := ht.connect(userIdB, "bob")
	ht.join(t, sessionA, inboxA, sheetId)
	replicaB := ht.join(t, sessionB, inboxB, sheetId)
	inboxA.take()
	inboxB.take()

	// a view-only member's edit is rejected, nothing reaches the store or
	// the other members
	ht.handler.HandleMessage(context.Background(), sessionB, editMessage(t, replicaB, 9, NewCellKey(1, 1), rawValue("nope")))
	errorMessage := decodeMessage[ErrorMessage](t, inboxB.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.RequestId, uint64(9))
	assert.Equal(t, errorMessage.Code, ErrorCodePermissionDenied)
	assert.Equal(t, len(inboxA.take()), 0)

	entry, _ := ht.registry.Get(sheetId)
	assert.Equal(t, entry.Store().Len(), 0)
}

func TestSyncHandlerEditRevokedMidSession(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userId := NewId()
	ht.resolver.setGrant(sheetId, userId, PermissionEdit)

	session, inbox := ht.connect(userId, "alice")
	replica := ht.join(t, session, inbox, sheetId)

	ht.handler.HandleMessage(context.Background(), session, editMessage(t, replica, 1, NewCellKey(0, 0), rawValue("first")))
	ack := decodeMessage[AckMessage](t, inbox.takeOne(t), MessageTypeAck)
	assert.Equal(t, ack.Ok, true)

	// permission is re-checked on every edit, not cached from join time
	ht.resolver.setGrant(sheetId, userId, PermissionView)
	ht.handler.HandleMessage(context.Background(), session, editMessage(t, replica, 2, NewCellKey(0, 1), rawValue("second")))
	errorMessage := decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodePermissionDenied)

	entry, _ := ht.registry.Get(sheetId)
	assert.Equal(t, entry.Store().Len(), 1)
}

func TestSyncHandlerCorruptDelta(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionEdit)
	ht.resolver.setGrant(sheetId, userIdB, PermissionEdit)

	sessionA, inboxA := ht.connect(userIdA, "alice")
	sessionB, inboxB := ht.connect(userIdB, "bob")
	ht.join(t, sessionA, inboxA, sheetId)
	ht.join(t, sessionB, inboxB, sheetId)
	inboxA.take()
	inboxB.take()

	// a corrupt delta is an error to the sender only. no peer sees anything
	// and the store is unchanged
	ht.handler.HandleMessage(context.Background(), sessionA, MarshalMessage(&EditMessage{
		Type:      MessageTypeEdit,
		RequestId: 4,
		Delta:     EncodePayload([]byte(`this is not a delta`)),
	}))
	errorMessage := decodeMessage[ErrorMessage](t, inboxA.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.RequestId, uint64(4))
	assert.Equal(t, errorMessage.Code, ErrorCodeCorruptDelta)
	assert.Equal(t, len(inboxB.take()), 0)

	// a delta that is not even text-safe encoded is a malformed argument
	ht.handler.HandleMessage(context.Background(), sessionA, MarshalMessage(&EditMessage{
		Type:  MessageTypeEdit,
		Delta: "%%%not base64%%%",
	}))
	errorMessage = decodeMessage[ErrorMessage](t, inboxA.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodeInvalidPayload)

	entry, _ := ht.registry.Get(sheetId)
	assert.Equal(t, entry.Store().Len(), 0)
}

func TestSyncHandlerEditOrdering(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionEdit)
	ht.resolver.setGrant(sheetId, userIdB, PermissionView)

	sessionA, inboxA := ht.connect(userIdA, "alice")
	sessionB, inboxB := ht.connect(userIdB, "bob")
	replicaA := ht.join(t, sessionA, inboxA, sheetId)
	replicaB := ht.join(t, sessionB, inboxB, sheetId)
	inboxA.take()
	inboxB.take()

	// edits accepted in sequence are observed by every other member in that
	// same relative order
	n := 8
	key := NewCellKey(0, 0)
	for i := 0; i < n; i += 1 {
		ht.handler.HandleMessage(context.Background(), sessionA, editMessage(t, replicaA, uint64(i+1), key, rawValue(fmt.Sprintf("v%d", i))))
	}

	messages := inboxB.take()
	assert.Equal(t, len(messages), n)
	for i, messageJson := range messages {
		broadcast := decodeMessage[EditBroadcastMessage](t, messageJson, MessageTypeEditBroadcast)
		deltaJson, err := DecodePayload(broadcast.Delta)
		assert.Equal(t, err, nil)
		_, err = replicaB.ApplyRemoteDelta(deltaJson)
		assert.Equal(t, err, nil)
		value, ok := replicaB.Get(key)
		assert.Equal(t, ok, true)
		assert.Equal(t, string(value), string(rawValue(fmt.Sprintf("v%d", i))))
	}
}

func TestSyncHandlerPresence(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userIdA := NewId()
	userIdB := NewId()
	ht.resolver.setGrant(sheetId, userIdA, PermissionView)
	ht.resolver.setGrant(sheetId, userIdB, PermissionView)

	sessionA, inboxA := ht.connect(userIdA, "alice")
	sessionB, inboxB := ht.connect(userIdB, "bob")
	ht.join(t, sessionA, inboxA, sheetId)
	ht.join(t, sessionB, inboxB, sheetId)
	inboxA.take()
	inboxB.take()

	// cursor moves fan out to the other members only
	cell := NewCellKey(3, 4)
	ht.handler.HandleMessage(context.Background(), sessionB, MarshalMessage(&PresenceUpdateMessage{
		Type: MessageTypePresenceUpdate,
		Cell: &cell,
	}))
	assert.Equal(t, len(inboxB.take()), 0)
	update := decodeMessage[PresenceMessage](t, inboxA.takeOne(t), MessageTypePresenceUpdate)
	assert.Equal(t, update.ConnectionId, sessionB.ConnectionId())
	assert.Equal(t, *update.Cell, cell)

	// disconnect emits a leave to the remaining members
	ht.handler.Disconnect(sessionB)
	left := decodeMessage[PresenceMessage](t, inboxA.takeOne(t), MessageTypePresenceLeave)
	assert.Equal(t, left.ConnectionId, sessionB.ConnectionId())
	assert.Equal(t, ht.handler.Presence().Count(sheetId), 1)
}

func TestSyncHandlerRejoinReplaces(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetIdA := ht.store.seedSheet(t, "first")
	sheetIdB := ht.store.seedSheet(t, "second")
	userId := NewId()
	watcherId := NewId()
	ht.resolver.setGrant(sheetIdA, userId, PermissionEdit)
	ht.resolver.setGrant(sheetIdB, userId, PermissionEdit)
	ht.resolver.setGrant(sheetIdA, watcherId, PermissionView)

	watcherSession, watcherInbox := ht.connect(watcherId, "watcher")
	ht.join(t, watcherSession, watcherInbox, sheetIdA)

	session, inbox := ht.connect(userId, "alice")
	ht.join(t, session, inbox, sheetIdA)
	watcherInbox.take()

	// joining another sheet replaces the prior membership
	ht.join(t, session, inbox, sheetIdB)
	left := decodeMessage[PresenceMessage](t, watcherInbox.takeOne(t), MessageTypePresenceLeave)
	assert.Equal(t, left.ConnectionId, session.ConnectionId())
	assert.Equal(t, ht.handler.Presence().Count(sheetIdA), 1)
	assert.Equal(t, ht.handler.Presence().Count(sheetIdB), 1)

	joinedSheetId, joined := session.JoinedSheetId()
	assert.Equal(t, joined, true)
	assert.Equal(t, joinedSheetId, sheetIdB)
}

// rebuild the member's view from its inbox: the snapshot, then every
// rebroadcast merged in arrival order
func replicaFromInbox(t *testing.T, inbox *testInbox) *CellStore {
	var replica *CellStore
	for _, messageJson := range inbox.take() {
		var envelope MessageEnvelope
		err := json.Unmarshal(messageJson, &envelope)
		assert.Equal(t, err, nil)
		switch envelope.Type {
		case MessageTypeSnapshot:
			message := decodeMessage[SnapshotMessage](t, messageJson, MessageTypeSnapshot)
			state, err := DecodePayload(message.State)
			assert.Equal(t, err, nil)
			replica, err = DecodeFullState(state)
			assert.Equal(t, err, nil)
		case MessageTypeEditBroadcast:
			message := decodeMessage[EditBroadcastMessage](t, messageJson, MessageTypeEditBroadcast)
			deltaJson, err := DecodePayload(message.Delta)
			assert.Equal(t, err, nil)
			_, err = replica.ApplyRemoteDelta(deltaJson)
			assert.Equal(t, err, nil)
		}
	}
	if replica == nil {
		t.Fatal("no snapshot in inbox")
	}
	return replica
}

func TestSyncHandlerJoinDuringEdits(t *testing.T) {
	ht := newHandlerTest(1 * time.Hour)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	editorId := NewId()
	ht.resolver.setGrant(sheetId, editorId, PermissionEdit)

	editorSession, editorInbox := ht.connect(editorId, "editor")
	editorReplica := ht.join(t, editorSession, editorInbox, sheetId)

	// a member that joins in the middle of an edit stream must end up with
	// every edit: each one either lands in its snapshot or arrives as a
	// rebroadcast, with no gap between the two
	for round := 0; round < 50; round += 1 {
		viewerId := NewId()
		ht.resolver.setGrant(sheetId, viewerId, PermissionView)
		viewerSession, viewerInbox := ht.connect(viewerId, "viewer")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 20; i += 1 {
				ht.handler.HandleMessage(
					context.Background(),
					editorSession,
					editMessage(t, editorReplica, 0, NewCellKey(round, i), rawValue(fmt.Sprintf("r%d_%d", round, i))),
				)
			}
		}()

		ht.handler.HandleMessage(context.Background(), viewerSession, MarshalMessage(&JoinMessage{
			Type:    MessageTypeJoin,
			SheetId: sheetId,
		}))
		<-done

		replica := replicaFromInbox(t, viewerInbox)
		entry, ok := ht.registry.Get(sheetId)
		assert.Equal(t, ok, true)
		assert.Equal(t, canonicalJson(t, replica), canonicalJson(t, entry.Store()))

		ht.handler.Disconnect(viewerSession)
		editorInbox.take()
	}
}

func TestSyncHandlerResolverFailure(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	sheetId := ht.store.seedSheet(t, "shared")
	userId := NewId()
	ht.resolver.setGrant(sheetId, userId, PermissionEdit)

	session, inbox := ht.connect(userId, "alice")
	replica := ht.join(t, session, inbox, sheetId)

	// a resolver outage is an infrastructure failure, not an authorization
	// denial
	ht.resolver.setErr(errors.New("database is gone"))

	ht.handler.HandleMessage(context.Background(), session, editMessage(t, replica, 5, NewCellKey(0, 0), rawValue("x")))
	errorMessage := decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.RequestId, uint64(5))
	assert.Equal(t, errorMessage.Code, ErrorCodePersistenceFailure)

	otherSession, otherInbox := ht.connect(NewId(), "bob")
	ht.handler.HandleMessage(context.Background(), otherSession, MarshalMessage(&JoinMessage{
		Type:    MessageTypeJoin,
		SheetId: sheetId,
	}))
	errorMessage = decodeMessage[ErrorMessage](t, otherInbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodePersistenceFailure)
}

func TestSyncHandlerUnknownMessage(t *testing.T) {
	ht := newHandlerTest(50 * time.Millisecond)
	defer ht.close()

	session, inbox := ht.connect(NewId(), "alice")

	ht.handler.HandleMessage(context.Background(), session, []byte(`{"type":"warp"}`))
	errorMessage := decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodeInvalidPayload)

	ht.handler.HandleMessage(context.Background(), session, []byte(`not json at all`))
	errorMessage = decodeMessage[ErrorMessage](t, inbox.takeOne(t), MessageTypeError)
	assert.Equal(t, errorMessage.Code, ErrorCodeInvalidPayload)
}
