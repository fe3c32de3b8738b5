package websocket

import (
	"time"

	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Server to client
	MessageTypeTestStatus   MessageType = "test_status"
	MessageTypeSystemStatus MessageType = "system_status"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeError        MessageType = "error"

	// Client to server
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	// test routes the message to subscribers of one test; empty reaches all.
	test string
}

// ClientMessage is sent by clients to narrow the stream to some tests.
// An empty Tests list, or an unsubscribe, restores the full stream.
type ClientMessage struct {
	Type  MessageType `json:"type"`
	Tests []string    `json:"tests,omitempty"`
}

type SubscribedData struct {
	Tests []string `json:"tests"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewTestStatusMessage(st types.TestStatus) Message {
	msg := NewMessage(MessageTypeTestStatus, st)
	msg.test = st.Test
	return msg
}

func NewSystemStatusMessage(st interfaces.SystemStatus) Message {
	return NewMessage(MessageTypeSystemStatus, st)
}
