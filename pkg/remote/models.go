package remote

import (
	"time"

	"gorm.io/datatypes"
)

type ConversationModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"index;not null"`
	AgentID          string `gorm:"index;not null"`
	AgentName        string
	AgentAvatar      string
	AvatarLastUpdate time.Time
	CreatedAt        time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	LocalID        string `gorm:"uniqueIndex;not null"`
	ConversationID string `gorm:"not null;index:idx_remote_messages_conv_created,priority:1"`
	SenderRole     string `gorm:"not null"`
	SenderID       string
	ReceiverID     string `gorm:"index:idx_remote_messages_receiver_inserted,priority:1"`
	ContentType    string `gorm:"not null"`
	Body           *string
	File           datatypes.JSON `gorm:"type:jsonb"`
	Status         string         `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_remote_messages_conv_created,priority:2"`
	InsertedAt     time.Time      `gorm:"not null;index:idx_remote_messages_receiver_inserted,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }

// fileMeta is the JSON shape of MessageModel.File.
type fileMeta struct {
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

type StatusSyncModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	LocalID        string `gorm:"not null;index"`
	ConversationID string `gorm:"not null;index:idx_status_sync_conv_role,priority:1"`
	AckRole        string `gorm:"not null;index:idx_status_sync_conv_role,priority:2"`
	Status         string `gorm:"not null"`
	AckAt          time.Time
}

func (StatusSyncModel) TableName() string { return "pending_status_sync" }
