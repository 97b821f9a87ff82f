package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatsync/pkg/domain"
)

const migrateLockID int64 = 61723401

// GormRemote implements Store using GORM.
type GormRemote struct {
	db *gorm.DB
}

var _ Store = (*GormRemote)(nil)

// OpenPostgres connects to the shared Postgres database and migrates it under
// an advisory lock so concurrent clients do not race.
func OpenPostgres(dsn string) (*GormRemote, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("remote store: dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open remote db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormRemote{db: db}, nil
}

// NewGormRemote opens the remote store on any GORM dialector.
func NewGormRemote(dialector gorm.Dialector) (*GormRemote, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open remote db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormRemote{db: db}, nil
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConversationModel{}, &MessageModel{}, &StatusSyncModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (r *GormRemote) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureConversation creates the conversation if missing.
func (r *GormRemote) EnsureConversation(ctx context.Context, c domain.Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("remote store: conversation id is empty")
	}
	model := ConversationModel{
		ID:               c.ID,
		UserID:           c.UserID,
		AgentID:          c.AgentID,
		AgentName:        c.AgentName,
		AgentAvatar:      c.AgentAvatar,
		AvatarLastUpdate: c.AvatarLastUpdate.UTC(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// ListConversations returns the conversations the user takes part in.
func (r *GormRemote) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Conversation{
			ID:               m.ID,
			UserID:           m.UserID,
			AgentID:          m.AgentID,
			AgentName:        m.AgentName,
			AgentAvatar:      m.AgentAvatar,
			AvatarLastUpdate: m.AvatarLastUpdate.UTC(),
		})
	}
	return out, nil
}

// InsertMessage stores m once per local_id and returns the server id.
func (r *GormRemote) InsertMessage(ctx context.Context, m domain.Message) (string, error) {
	if strings.TrimSpace(m.LocalID) == "" || strings.TrimSpace(m.ConversationID) == "" {
		return "", ErrInvalidMessage
	}
	model, err := messageToModel(m)
	if err != nil {
		return "", err
	}
	var serverID string
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "local_id"}},
			DoNothing: true,
		}).Create(&model).Error; err != nil {
			return err
		}
		var stored MessageModel
		if err := tx.Select("id").First(&stored, "local_id = ?", m.LocalID).Error; err != nil {
			return err
		}
		serverID = stored.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return serverID, nil
}

// ListMessagesSince returns a conversation's messages newer than since.
func (r *GormRemote) ListMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error) {
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since.UTC())
	}
	var models []MessageModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ListInsertedSince returns the receiver's messages inserted at or after since.
func (r *GormRemote) ListInsertedSince(ctx context.Context, receiverID string, since time.Time) ([]domain.Message, time.Time, error) {
	var models []MessageModel
	if err := r.db.WithContext(ctx).
		Where("receiver_id = ? AND inserted_at >= ?", receiverID, since.UTC()).
		Order("inserted_at ASC").
		Find(&models).Error; err != nil {
		return nil, since, fmt.Errorf("list inserted messages: %w", err)
	}
	cursor := since
	out := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, since, err
		}
		out = append(out, msg)
		cursor = model.InsertedAt.UTC()
	}
	return out, cursor, nil
}

// QueueStatusSync records a status for the other party to pick up.
func (r *GormRemote) QueueStatusSync(ctx context.Context, s StatusSync) error {
	if s.AckAt.IsZero() {
		s.AckAt = time.Now()
	}
	model := StatusSyncModel{
		LocalID:        s.LocalID,
		ConversationID: s.ConversationID,
		AckRole:        string(s.AckRole),
		Status:         string(s.Status),
		AckAt:          s.AckAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("queue status sync: %w", err)
	}
	return nil
}

// TakeStatusSyncs removes and returns the statuses queued by ackRole.
func (r *GormRemote) TakeStatusSyncs(ctx context.Context, conversationID string, ackRole domain.SenderRole) ([]StatusSync, error) {
	var models []StatusSyncModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("conversation_id = ? AND ack_role = ?", conversationID, string(ackRole)).
			Order("ack_at ASC").
			Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		return tx.Delete(&StatusSyncModel{}, ids).Error
	})
	if err != nil {
		return nil, fmt.Errorf("take status syncs: %w", err)
	}
	out := make([]StatusSync, 0, len(models))
	for _, m := range models {
		out = append(out, StatusSync{
			LocalID:        m.LocalID,
			ConversationID: m.ConversationID,
			Status:         domain.MessageStatus(m.Status),
			AckRole:        domain.SenderRole(m.AckRole),
			AckAt:          m.AckAt.UTC(),
		})
	}
	return out, nil
}

func messageToModel(m domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:             uuid.NewString(),
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderRole:     string(m.SenderRole),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ContentType:    string(m.ContentType),
		Status:         string(domain.MaxStatus(m.Status, domain.StatusSent)),
		CreatedAt:      m.CreatedAt.UTC(),
		InsertedAt:     time.Now().UTC(),
	}
	if m.Body != "" {
		body := m.Body
		model.Body = &body
	}
	if m.ContentType.IsFile() {
		raw, err := json.Marshal(fileMeta{
			Name:        m.FileName,
			Size:        m.FileSize,
			MimeType:    m.MimeType,
			StoragePath: m.StoragePath,
		})
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode file metadata: %w", err)
		}
		model.File = raw
	}
	return model, nil
}

func messageFromModel(model MessageModel) (domain.Message, error) {
	m := domain.Message{
		ServerID:       model.ID,
		LocalID:        model.LocalID,
		ConversationID: model.ConversationID,
		SenderRole:     domain.SenderRole(model.SenderRole),
		SenderID:       model.SenderID,
		ReceiverID:     model.ReceiverID,
		ContentType:    domain.ContentType(model.ContentType),
		CreatedAt:      model.CreatedAt.UTC(),
		Status:         domain.MessageStatus(model.Status),
	}
	if model.Body != nil {
		m.Body = *model.Body
	}
	if len(model.File) > 0 {
		var meta fileMeta
		if err := json.Unmarshal(model.File, &meta); err != nil {
			return domain.Message{}, fmt.Errorf("decode file metadata: %w", err)
		}
		m.FileName = meta.Name
		m.FileSize = meta.Size
		m.MimeType = meta.MimeType
		m.StoragePath = meta.StoragePath
	}
	return m, nil
}
