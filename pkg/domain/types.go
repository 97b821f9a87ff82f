package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type SenderRole string

const (
	RoleUser  SenderRole = "user"
	RoleAgent SenderRole = "agent"
)

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentDoc   ContentType = "doc"
)

// IsFile reports whether messages of this type carry an attachment.
func (c ContentType) IsFile() bool {
	return c == ContentImage || c == ContentDoc
}

// MessageStatus is the delivery state of a message. It only ever rises.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusSent     MessageStatus = "sent"
	StatusReceived MessageStatus = "received"
	StatusRead     MessageStatus = "read"
)

var statusOrder = []MessageStatus{StatusPending, StatusSent, StatusReceived, StatusRead}

// Rank orders statuses; unknown values rank below pending.
func (s MessageStatus) Rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Below returns every known status ranked strictly lower than s.
func (s MessageStatus) Below() []MessageStatus {
	rank := s.Rank()
	if rank <= 0 {
		return nil
	}
	out := make([]MessageStatus, rank)
	copy(out, statusOrder[:rank])
	return out
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

// MaxStatus returns the higher-ranked of a and b.
func MaxStatus(a, b MessageStatus) MessageStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type UploadStatus string

const (
	UploadIdle        UploadStatus = "idle"
	UploadUploading   UploadStatus = "uploading"
	UploadUploaded    UploadStatus = "uploaded"
	UploadFailed      UploadStatus = "failed"
	UploadDownloading UploadStatus = "downloading"
	UploadDownloaded  UploadStatus = "downloaded"
)

// Message is one entry of a conversation's history. LocalID is assigned by the
// sending device and never changes; ServerID is empty until the remote store
// has persisted the message.
type Message struct {
	ServerID       string        `json:"server_id,omitempty"`
	LocalID        string        `json:"local_id"`
	ConversationID string        `json:"conversation_id"`
	SenderRole     SenderRole    `json:"sender_role"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     string        `json:"receiver_id"`
	ContentType    ContentType   `json:"content_type"`
	Body           string        `json:"body,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Pending        bool          `json:"pending"`
	Status         MessageStatus `json:"status"`
	FileName       string        `json:"file_name,omitempty"`
	FileSize       int64         `json:"file_size,omitempty"`
	MimeType       string        `json:"mime_type,omitempty"`
	DevicePath     string        `json:"device_path,omitempty"`
	StoragePath    string        `json:"storage_path,omitempty"`
	UploadStatus   UploadStatus  `json:"upload_status,omitempty"`
}

// Conversation is a 1:1 channel between a user and an agent.
type Conversation struct {
	ID               string    `json:"conversation_id"`
	UserID           string    `json:"user_id"`
	AgentID          string    `json:"agent_id"`
	AgentName        string    `json:"agent_name"`
	AgentAvatar      string    `json:"agent_avatar"`
	AvatarLastUpdate time.Time `json:"avatar_last_update"`
}

// ConversationOverview is a conversation list entry with its latest message.
type ConversationOverview struct {
	Conversation
	LastMessage            string        `json:"last_message,omitempty"`
	LastMessageContentType ContentType   `json:"last_message_content_type,omitempty"`
	LastMessageTime        time.Time     `json:"last_message_time"`
	LastMessageStatus      MessageStatus `json:"last_message_status,omitempty"`
	LastMessageSenderRole  SenderRole    `json:"last_message_sender_role,omitempty"`
	LastMessageFileName    string        `json:"last_message_file_name,omitempty"`
	LastMessageMimeType    string        `json:"last_message_mime_type,omitempty"`
	UnreadCount            int           `json:"unread_count"`
}

// StatusAck records a status this device owes the other party for one message.
type StatusAck struct {
	LocalID        string        `json:"local_id"`
	ConversationID string        `json:"conversation_id"`
	Status         MessageStatus `json:"status"`
	AckAt          time.Time     `json:"ack_at"`
}

// FileBody is the JSON body carried by image and doc messages.
type FileBody struct {
	URI     string `json:"uri,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// ParseFileBody decodes a file message body. A body that is not JSON is
// treated as a bare caption.
func ParseFileBody(body string) FileBody {
	var fb FileBody
	if strings.TrimSpace(body) == "" {
		return fb
	}
	if err := json.Unmarshal([]byte(body), &fb); err != nil {
		return FileBody{Caption: body}
	}
	return fb
}

// String encodes the body back to JSON.
func (fb FileBody) String() string {
	raw, _ := json.Marshal(fb)
	return string(raw)
}

// StripDeviceURI drops the sender-local file location from a file body.
func StripDeviceURI(body string) string {
	fb := ParseFileBody(body)
	fb.URI = ""
	if fb.Caption == "" {
		return ""
	}
	return fb.String()
}
