package signaling

import "encoding/json"

// Client → server events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventSendMessage       = "send-message"
	EventCallRequest       = "call-request"
	EventCallResponse      = "call-response"
	EventWebRTCOffer       = "webrtc-offer"
	EventWebRTCAnswer      = "webrtc-answer"
	EventWebRTCICE         = "webrtc-ice"
	EventHeartbeat         = "heartbeat"
)

// Server → client events produced here. Message, match and call events come
// from the chat service, the notifier and the orchestrator.
const (
	EventPresence = "presence"
	EventAck      = "ack"
	EventError    = "error"
)

// inbound is a client frame. Ref is echoed in the ack or error it causes.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ref   string          `json:"ref,omitempty"`
}

// conversationData names a conversation. ConversationID is an alias of RoomID.
type conversationData struct {
	ConversationID string `json:"conversationId"`
	RoomID         string `json:"roomId"`
	SessionID      string `json:"sessionId"`
}

func (d conversationData) roomID() string {
	if d.RoomID != "" {
		return d.RoomID
	}
	return d.ConversationID
}

type sendMessageData struct {
	conversationData
	Type     string  `json:"type"`
	Content  *string `json:"content"`
	VoiceURL *string `json:"voiceUrl"`
	Duration *int    `json:"duration"`
}

type callRequestData struct {
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType"`
}

type callResponseData struct {
	SessionID string `json:"sessionId"`
	// CallID is what call:incoming carries; it equals the session id.
	CallID   string `json:"callId"`
	Response string `json:"response"`
}

func (d callResponseData) sessionID() string {
	if d.SessionID != "" {
		return d.SessionID
	}
	return d.CallID
}

type relayData struct {
	TargetUserID string          `json:"targetUserId"`
	SessionID    string          `json:"sessionId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
