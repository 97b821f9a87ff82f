package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatsync/pkg/domain"
)

// GormStore implements Store using GORM on an embedded SQLite file.
// It keeps a single open connection so every read and write is serialized.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the database at path and runs migrations.
func NewGormStore(path string) (*GormStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("local store: database path is required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.AutoMigrate(&ConversationModel{}, &MessageModel{}, &ReadStateModel{}, &PendingStatusSyncModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertConversation creates the conversation or refreshes its display metadata.
func (s *GormStore) UpsertConversation(ctx context.Context, c domain.Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("local store: conversation id is empty")
	}
	model := conversationToModel(c)
	updates := []string{"agent_id", "agent_name", "agent_avatar", "avatar_last_update", "user_id"}
	if c.AgentName == "" {
		// minimal rows created from a message must not wipe known metadata
		updates = []string{"agent_id", "user_id"}
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "conversation_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, fmt.Errorf("get conversation: %w", err)
	}
	return conversationFromModel(model), true, nil
}

// ListConversationOverviews returns the user's conversations, most recently
// active first, each with its latest message and unread agent message count.
func (s *GormStore) ListConversationOverviews(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationOverview, error) {
	var convs []ConversationModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	overviews := make([]domain.ConversationOverview, 0, len(convs))
	for _, c := range convs {
		ov := domain.ConversationOverview{Conversation: conversationFromModel(c)}
		var last MessageModel
		err := s.db.WithContext(ctx).
			Where("conversation_id = ?", c.ConversationID).
			Order("created_at DESC").
			Limit(1).
			Find(&last).Error
		if err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		if last.ID != 0 {
			ov.LastMessage = derefString(last.Body)
			ov.LastMessageContentType = domain.ContentType(last.ContentType)
			ov.LastMessageTime = last.CreatedAt.UTC()
			ov.LastMessageStatus = domain.MessageStatus(last.Status)
			ov.LastMessageSenderRole = domain.SenderRole(last.SenderRole)
			ov.LastMessageFileName = derefString(last.FileName)
			ov.LastMessageMimeType = derefString(last.MimeType)
		}
		unread, err := s.countUnread(ctx, c.ConversationID)
		if err != nil {
			return nil, err
		}
		ov.UnreadCount = unread
		overviews = append(overviews, ov)
	}
	sort.SliceStable(overviews, func(i, j int) bool {
		return overviews[i].LastMessageTime.After(overviews[j].LastMessageTime)
	})
	if offset > 0 {
		if offset >= len(overviews) {
			return []domain.ConversationOverview{}, nil
		}
		overviews = overviews[offset:]
	}
	if limit > 0 && limit < len(overviews) {
		overviews = overviews[:limit]
	}
	return overviews, nil
}

func (s *GormStore) countUnread(ctx context.Context, conversationID string) (int, error) {
	q := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("conversation_id = ? AND sender_role = ?", conversationID, string(domain.RoleAgent))
	lastRead, ok, err := s.LastReadAt(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if ok {
		q = q.Where("created_at > ?", lastRead)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(count), nil
}

// InsertMessage stores m unless a message with the same server_id or local_id
// already exists. It reports whether a row was inserted.
func (s *GormStore) InsertMessage(ctx context.Context, m domain.Message) (bool, error) {
	if strings.TrimSpace(m.LocalID) == "" {
		return false, errors.New("local store: message local_id is empty")
	}
	model := messageToModel(m)
	model.InsertedAt = time.Now().UTC()
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := messageExists(tx, m.ServerID, m.LocalID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return inserted, nil
}

// MessageExists reports whether a message is known by either key.
func (s *GormStore) MessageExists(ctx context.Context, serverID, localID string) (bool, error) {
	exists, err := messageExists(s.db.WithContext(ctx), serverID, localID)
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return exists, nil
}

func messageExists(db *gorm.DB, serverID, localID string) (bool, error) {
	if serverID == "" && localID == "" {
		return false, nil
	}
	q := db.Model(&MessageModel{})
	switch {
	case serverID != "" && localID != "":
		q = q.Where("server_id = ? OR local_id = ?", serverID, localID)
	case serverID != "":
		q = q.Where("server_id = ?", serverID)
	default:
		q = q.Where("local_id = ?", localID)
	}
	var count int64
	if err := q.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetMessage returns a message by local_id.
func (s *GormStore) GetMessage(ctx context.Context, localID string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "local_id = ?", localID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, fmt.Errorf("get message: %w", err)
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns a conversation's messages ordered by created_at.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messagesFromModels(models), nil
}

// UpdateMessage applies upd to the message identified by localID.
func (s *GormStore) UpdateMessage(ctx context.Context, localID string, upd MessageUpdate) error {
	cols := upd.columns()
	if len(cols) == 0 {
		return ErrEmptyUpdate
	}
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("local_id = ?", localID).
		Updates(cols).Error; err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// RaiseStatus moves a message to status if that is higher than its current
// one. It reports whether the row changed.
func (s *GormStore) RaiseStatus(ctx context.Context, localID string, status domain.MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("local store: invalid status %q", status)
	}
	below := status.Below()
	if len(below) == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("local_id = ? AND status IN ?", localID, statusStrings(below)).
		Update(colStatus, string(status))
	if res.Error != nil {
		return false, fmt.Errorf("raise status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkSynced clears the pending flag, raises the status to at least sent and
// records serverID if the message has none yet.
func (s *GormStore) MarkSynced(ctx context.Context, localID, serverID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MessageModel{}).
			Where("local_id = ?", localID).
			Update(colPending, false).Error; err != nil {
			return err
		}
		if serverID != "" {
			if err := tx.Model(&MessageModel{}).
				Where("local_id = ? AND server_id IS NULL", localID).
				Update(colServerID, serverID).Error; err != nil {
				return err
			}
		}
		return tx.Model(&MessageModel{}).
			Where("local_id = ? AND status IN ?", localID, statusStrings(domain.StatusSent.Below())).
			Update(colStatus, string(domain.StatusSent)).Error
	})
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// PendingMessages returns every unconfirmed message in created_at order.
func (s *GormStore) PendingMessages(ctx context.Context) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("pending = ?", true).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	return messagesFromModels(models), nil
}

// LastKnownMessageTime returns the created_at of the newest agent message in
// the conversation. It is the cursor for catch-up sync.
func (s *GormStore) LastKnownMessageTime(ctx context.Context, conversationID string) (time.Time, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_role = ?", conversationID, string(domain.RoleAgent)).
		Order("created_at DESC").
		Limit(1).
		Find(&model).Error; err != nil {
		return time.Time{}, false, fmt.Errorf("last known message time: %w", err)
	}
	if model.ID == 0 {
		return time.Time{}, false, nil
	}
	return model.CreatedAt.UTC(), true, nil
}

// UnreadAgentMessages returns agent messages created after since.
func (s *GormStore) UnreadAgentMessages(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_role = ? AND created_at > ?", conversationID, string(domain.RoleAgent), since.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("unread agent messages: %w", err)
	}
	return messagesFromModels(models), nil
}

// MarkConversationRead moves the read watermark forward to at.
func (s *GormStore) MarkConversationRead(ctx context.Context, conversationID string, at time.Time) error {
	at = at.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ReadStateModel
		err := tx.First(&model, "conversation_id = ?", conversationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&ReadStateModel{ConversationID: conversationID, LastReadAt: at}).Error
		}
		if err != nil {
			return err
		}
		if !at.After(model.LastReadAt) {
			return nil
		}
		return tx.Model(&ReadStateModel{}).
			Where("conversation_id = ?", conversationID).
			Update("last_read_at", at).Error
	})
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

// LastReadAt returns the read watermark of a conversation.
func (s *GormStore) LastReadAt(ctx context.Context, conversationID string) (time.Time, bool, error) {
	var model ReadStateModel
	if err := s.db.WithContext(ctx).First(&model, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last read at: %w", err)
	}
	return model.LastReadAt.UTC(), true, nil
}

// QueueStatusAck records an owed status. An existing entry for the same
// message keeps the higher status.
func (s *GormStore) QueueStatusAck(ctx context.Context, ack domain.StatusAck) error {
	if strings.TrimSpace(ack.LocalID) == "" {
		return errors.New("local store: status ack local_id is empty")
	}
	if ack.AckAt.IsZero() {
		ack.AckAt = time.Now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PendingStatusSyncModel
		err := tx.First(&existing, "local_id = ?", ack.LocalID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && domain.MessageStatus(existing.Status).Rank() >= ack.Status.Rank() {
			return nil
		}
		return tx.Save(&PendingStatusSyncModel{
			LocalID:        ack.LocalID,
			ConversationID: ack.ConversationID,
			Status:         string(ack.Status),
			AckAt:          ack.AckAt.UTC(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("queue status ack: %w", err)
	}
	return nil
}

// QueuedStatusAcks lists the owed statuses of a conversation.
func (s *GormStore) QueuedStatusAcks(ctx context.Context, conversationID string) ([]domain.StatusAck, error) {
	var models []PendingStatusSyncModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("ack_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("queued status acks: %w", err)
	}
	acks := make([]domain.StatusAck, 0, len(models))
	for _, m := range models {
		acks = append(acks, domain.StatusAck{
			LocalID:        m.LocalID,
			ConversationID: m.ConversationID,
			Status:         domain.MessageStatus(m.Status),
			AckAt:          m.AckAt.UTC(),
		})
	}
	return acks, nil
}

// DeleteQueuedStatusAck removes one owed status.
func (s *GormStore) DeleteQueuedStatusAck(ctx context.Context, localID string) error {
	if err := s.db.WithContext(ctx).Delete(&PendingStatusSyncModel{}, "local_id = ?", localID).Error; err != nil {
		return fmt.Errorf("delete queued status ack: %w", err)
	}
	return nil
}

// ClearQueuedStatusAcks removes every owed status of a conversation.
func (s *GormStore) ClearQueuedStatusAcks(ctx context.Context, conversationID string) error {
	if err := s.db.WithContext(ctx).Delete(&PendingStatusSyncModel{}, "conversation_id = ?", conversationID).Error; err != nil {
		return fmt.Errorf("clear queued status acks: %w", err)
	}
	return nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ConversationID:   c.ID,
		UserID:           c.UserID,
		AgentID:          c.AgentID,
		AgentName:        c.AgentName,
		AgentAvatar:      c.AgentAvatar,
		AvatarLastUpdate: c.AvatarLastUpdate.UTC(),
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:               m.ConversationID,
		UserID:           m.UserID,
		AgentID:          m.AgentID,
		AgentName:        m.AgentName,
		AgentAvatar:      m.AgentAvatar,
		AvatarLastUpdate: m.AvatarLastUpdate.UTC(),
	}
}

func messageToModel(m domain.Message) MessageModel {
	status := m.Status
	if status == "" {
		status = domain.StatusSent
		if m.Pending {
			status = domain.StatusPending
		}
	}
	uploadStatus := m.UploadStatus
	if uploadStatus == "" {
		uploadStatus = domain.UploadIdle
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return MessageModel{
		ServerID:       nullString(m.ServerID),
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderRole:     string(m.SenderRole),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Body:           nullString(m.Body),
		ContentType:    string(m.ContentType),
		CreatedAt:      createdAt.UTC(),
		Pending:        m.Pending,
		Status:         string(status),
		FileName:       nullString(m.FileName),
		FileSize:       m.FileSize,
		MimeType:       nullString(m.MimeType),
		DevicePath:     nullString(m.DevicePath),
		StoragePath:    nullString(m.StoragePath),
		UploadStatus:   string(uploadStatus),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ServerID:       derefString(m.ServerID),
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderRole:     domain.SenderRole(m.SenderRole),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ContentType:    domain.ContentType(m.ContentType),
		Body:           derefString(m.Body),
		CreatedAt:      m.CreatedAt.UTC(),
		Pending:        m.Pending,
		Status:         domain.MessageStatus(m.Status),
		FileName:       derefString(m.FileName),
		FileSize:       m.FileSize,
		MimeType:       derefString(m.MimeType),
		DevicePath:     derefString(m.DevicePath),
		StoragePath:    derefString(m.StoragePath),
		UploadStatus:   domain.UploadStatus(m.UploadStatus),
	}
}

func messagesFromModels(models []MessageModel) []domain.Message {
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs
}
