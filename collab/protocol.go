package collab

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// logical message set of the synchronization channel. transport-agnostic
// json envelopes; delta and snapshot blobs travel base64-encoded so the
// channel only ever carries text-safe strings

const (
	MessageTypeJoin           = "join"
	MessageTypeAck            = "ack"
	MessageTypeError          = "error"
	MessageTypeSnapshot       = "snapshot"
	MessageTypeEdit           = "edit"
	MessageTypeEditBroadcast  = "edit_broadcast"
	MessageTypePresenceJoin   = "presence_join"
	MessageTypePresenceLeave  = "presence_leave"
	MessageTypePresenceUpdate = "presence_update"
)

// peek at the envelope type before full decode
type MessageEnvelope struct {
	Type string `json:"type"`
}

// client -> server

type JoinMessage struct {
	Type      string `json:"type"`
	RequestId uint64 `json:"request_id,omitempty"`
	SheetId   Id     `json:"sheet_id"`
}

type EditMessage struct {
	Type      string `json:"type"`
	RequestId uint64 `json:"request_id,omitempty"`
	Delta     string `json:"delta"`
}

type PresenceUpdateMessage struct {
	Type string   `json:"type"`
	Cell *CellKey `json:"cell,omitempty"`
}

// server -> client

type AckMessage struct {
	Type       string     `json:"type"`
	RequestId  uint64     `json:"request_id,omitempty"`
	Ok         bool       `json:"ok"`
	Permission Permission `json:"permission,omitempty"`
}

type ErrorMessage struct {
	Type      string    `json:"type"`
	RequestId uint64    `json:"request_id,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

type SnapshotMessage struct {
	Type    string `json:"type"`
	SheetId Id     `json:"sheet_id"`
	State   string `json:"state"`
}

type EditBroadcastMessage struct {
	Type    string `json:"type"`
	SheetId Id     `json:"sheet_id"`
	Delta   string `json:"delta"`
}

type PresenceMessage struct {
	Type         string   `json:"type"`
	SheetId      Id       `json:"sheet_id"`
	ConnectionId Id       `json:"connection_id"`
	UserId       Id       `json:"user_id"`
	DisplayName  string   `json:"display_name"`
	Cell         *CellKey `json:"cell,omitempty"`
}

func EncodePayload(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

func DecodePayload(payloadStr string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(payloadStr)
	if err != nil {
		return nil, fmt.Errorf("payload is not base64: %w", err)
	}
	return payload, nil
}

// all message types marshal cleanly; a failure here is a programming error
func MarshalMessage(message any) []byte {
	messageJson, err := json.Marshal(message)
	if err != nil {
		panic(err)
	}
	return messageJson
}

func presenceMessage(messageType string, sheetId Id, connectionId Id, info PresenceInfo) *PresenceMessage {
	return &PresenceMessage{
		Type:         messageType,
		SheetId:      sheetId,
		ConnectionId: connectionId,
		UserId:       info.UserId,
		DisplayName:  info.DisplayName,
		Cell:         info.Cell,
	}
}
