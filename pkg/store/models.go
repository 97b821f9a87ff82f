package store

import "time"

// GORM models for the on-device database.
type ConversationModel struct {
	ConversationID   string `gorm:"primaryKey"`
	UserID           string `gorm:"index"`
	AgentID          string
	AgentName        string
	AgentAvatar      string
	AvatarLastUpdate time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

type MessageModel struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ServerID       *string `gorm:"uniqueIndex"`
	LocalID        string  `gorm:"uniqueIndex;not null"`
	ConversationID string  `gorm:"not null;index:idx_messages_conv_created,priority:1"`
	SenderRole     string  `gorm:"not null"`
	SenderID       string
	ReceiverID     string
	Body           *string
	ContentType    string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conv_created,priority:2"`
	Pending        bool      `gorm:"not null;index"`
	Status         string    `gorm:"not null"`
	FileName       *string
	FileSize       int64
	MimeType       *string
	DevicePath     *string
	StoragePath    *string
	UploadStatus   string
	InsertedAt     time.Time `gorm:"not null"`
}

func (MessageModel) TableName() string { return "messages" }

type ReadStateModel struct {
	ConversationID string    `gorm:"primaryKey"`
	LastReadAt     time.Time `gorm:"not null"`
}

func (ReadStateModel) TableName() string { return "read_state" }

type PendingStatusSyncModel struct {
	LocalID        string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	Status         string `gorm:"not null"`
	AckAt          time.Time
}

func (PendingStatusSyncModel) TableName() string { return "pending_status_syncs" }
