package remote

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"

	"chatsync/pkg/domain"
)

func newTestRemote(t *testing.T) *GormRemote {
	t.Helper()
	r, err := NewGormRemote(sqlite.Open(filepath.Join(t.TempDir(), "remote.db")))
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestInsertMessageIsIdempotentOnLocalID(t *testing.T) {
	ctx := context.Background()
	r := newTestRemote(t)
	m := domain.Message{
		LocalID:        "l1",
		ConversationID: "c1",
		SenderRole:     domain.RoleUser,
		SenderID:       "u1",
		ReceiverID:     "a1",
		ContentType:    domain.ContentText,
		Body:           "hi",
		CreatedAt:      time.Now(),
		Status:         domain.StatusPending,
	}

	first, err := r.InsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first == "" {
		t.Fatalf("expected server id")
	}
	second, err := r.InsertMessage(ctx, m)
	if err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if second != first {
		t.Fatalf("expected server id %q on re-insert, got %q", first, second)
	}

	msgs, err := r.ListMessagesSince(ctx, "c1", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ServerID != first || msgs[0].Status != domain.StatusSent {
		t.Fatalf("unexpected stored message: %+v", msgs[0])
	}

	if _, err := r.InsertMessage(ctx, domain.Message{ConversationID: "c1"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestListMessagesSinceFiltersAndKeepsFileMetadata(t *testing.T) {
	ctx := context.Background()
	r := newTestRemote(t)
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	if _, err := r.InsertMessage(ctx, domain.Message{
		LocalID: "old", ConversationID: "c1", SenderRole: domain.RoleAgent,
		ContentType: domain.ContentText, Body: "old", CreatedAt: base,
	}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if _, err := r.InsertMessage(ctx, domain.Message{
		LocalID: "img", ConversationID: "c1", SenderRole: domain.RoleAgent,
		ContentType: domain.ContentImage, Body: `{"caption":"cat"}`, CreatedAt: base.Add(time.Second),
		FileName: "cat.png", FileSize: 42, MimeType: "image/png", StoragePath: "files/abc.png",
	}); err != nil {
		t.Fatalf("insert img: %v", err)
	}

	msgs, err := r.ListMessagesSince(ctx, "c1", base)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.LocalID != "img" || got.FileName != "cat.png" || got.FileSize != 42 {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.MimeType != "image/png" || got.StoragePath != "files/abc.png" {
		t.Fatalf("file metadata lost: %+v", got)
	}
}

func TestListInsertedSinceFollowsReceiver(t *testing.T) {
	ctx := context.Background()
	r := newTestRemote(t)
	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	insert := func(localID, receiverID string) {
		t.Helper()
		if _, err := r.InsertMessage(ctx, domain.Message{
			LocalID: localID, ConversationID: "c1", SenderRole: domain.RoleAgent, SenderID: "a1",
			ReceiverID: receiverID, ContentType: domain.ContentText, Body: localID, CreatedAt: created,
		}); err != nil {
			t.Fatalf("insert %s: %v", localID, err)
		}
	}

	start := time.Now().Add(-time.Second)
	insert("b1", "u1")
	insert("other", "u2")

	msgs, cursor, err := r.ListInsertedSince(ctx, "u1", start)
	if err != nil {
		t.Fatalf("list inserted: %v", err)
	}
	if len(msgs) != 1 || msgs[0].LocalID != "b1" {
		t.Fatalf("expected only b1, got %+v", msgs)
	}
	if !cursor.After(start) {
		t.Fatalf("cursor did not advance: %v", cursor)
	}

	// backdated created_at does not hide a late insert
	insert("b2", "u1")
	msgs, next, err := r.ListInsertedSince(ctx, "u1", cursor)
	if err != nil {
		t.Fatalf("list inserted again: %v", err)
	}
	found := false
	for _, m := range msgs {
		found = found || m.LocalID == "b2"
	}
	if !found {
		t.Fatalf("expected b2, got %+v", msgs)
	}
	if next.Before(cursor) {
		t.Fatalf("cursor moved back: %v < %v", next, cursor)
	}

	empty, same, err := r.ListInsertedSince(ctx, "nobody", cursor)
	if err != nil {
		t.Fatalf("list for unknown receiver: %v", err)
	}
	if len(empty) != 0 || !same.Equal(cursor) {
		t.Fatalf("expected no messages and unchanged cursor, got %d %v", len(empty), same)
	}
}

func TestConversations(t *testing.T) {
	ctx := context.Background()
	r := newTestRemote(t)

	c := domain.Conversation{ID: "c1", UserID: "u1", AgentID: "a1", AgentName: "Ada"}
	if err := r.EnsureConversation(ctx, c); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	c.AgentName = "changed"
	if err := r.EnsureConversation(ctx, c); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if err := r.EnsureConversation(ctx, domain.Conversation{ID: "c2", UserID: "u2", AgentID: "a1"}); err != nil {
		t.Fatalf("ensure c2: %v", err)
	}

	convs, err := r.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].AgentName != "Ada" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
}

func TestTakeStatusSyncsByRole(t *testing.T) {
	ctx := context.Background()
	r := newTestRemote(t)

	for _, s := range []StatusSync{
		{LocalID: "m1", ConversationID: "c1", Status: domain.StatusRead, AckRole: domain.RoleAgent},
		{LocalID: "m2", ConversationID: "c1", Status: domain.StatusReceived, AckRole: domain.RoleAgent},
		{LocalID: "b1", ConversationID: "c1", Status: domain.StatusRead, AckRole: domain.RoleUser},
	} {
		if err := r.QueueStatusSync(ctx, s); err != nil {
			t.Fatalf("queue %s: %v", s.LocalID, err)
		}
	}

	taken, err := r.TakeStatusSyncs(ctx, "c1", domain.RoleAgent)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected 2 agent statuses, got %d", len(taken))
	}
	again, err := r.TakeStatusSyncs(ctx, "c1", domain.RoleAgent)
	if err != nil {
		t.Fatalf("take again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected statuses removed, got %d", len(again))
	}
	user, err := r.TakeStatusSyncs(ctx, "c1", domain.RoleUser)
	if err != nil {
		t.Fatalf("take user: %v", err)
	}
	if len(user) != 1 || user[0].LocalID != "b1" {
		t.Fatalf("unexpected user statuses: %+v", user)
	}
}
