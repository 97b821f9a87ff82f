package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMessage(localID string, role domain.SenderRole, at time.Time) domain.Message {
	return domain.Message{
		LocalID:        localID,
		ConversationID: "c1",
		SenderRole:     role,
		SenderID:       "u1",
		ReceiverID:     "a1",
		ContentType:    domain.ContentText,
		Body:           "hello " + localID,
		CreatedAt:      at,
		Status:         domain.StatusSent,
	}
}

func mustInsert(t *testing.T, s *GormStore, m domain.Message) {
	t.Helper()
	if _, err := s.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert %s: %v", m.LocalID, err)
	}
}

func mustGet(t *testing.T, s *GormStore, localID string) domain.Message {
	t.Helper()
	m, ok, err := s.GetMessage(context.Background(), localID)
	if err != nil {
		t.Fatalf("get %s: %v", localID, err)
	}
	if !ok {
		t.Fatalf("message %s not stored", localID)
	}
	return m
}

func TestInsertMessageDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	m := testMessage("l1", domain.RoleAgent, now)
	m.ServerID = "s1"
	inserted, err := s.InsertMessage(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got inserted=%v err=%v", inserted, err)
	}

	// same local id
	inserted, err = s.InsertMessage(ctx, m)
	if err != nil || inserted {
		t.Fatalf("expected duplicate local id to be skipped, got inserted=%v err=%v", inserted, err)
	}

	// same server id, different local id
	other := testMessage("l2", domain.RoleAgent, now)
	other.ServerID = "s1"
	inserted, err = s.InsertMessage(ctx, other)
	if err != nil || inserted {
		t.Fatalf("expected duplicate server id to be skipped, got inserted=%v err=%v", inserted, err)
	}

	msgs, err := s.ListMessages(ctx, "c1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ServerID != "s1" {
		t.Fatalf("expected one message with server id s1, got %+v", msgs)
	}
}

func TestInsertMessageDefaults(t *testing.T) {
	s := newTestStore(t)

	m := testMessage("l1", domain.RoleUser, time.Now())
	m.Status = ""
	m.Pending = true
	mustInsert(t, s, m)

	got := mustGet(t, s, "l1")
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending status, got %q", got.Status)
	}
	if got.UploadStatus != domain.UploadIdle {
		t.Fatalf("expected idle upload status, got %q", got.UploadStatus)
	}
	if !got.Pending || got.ServerID != "" {
		t.Fatalf("unexpected sync state: pending=%v server_id=%q", got.Pending, got.ServerID)
	}
}

func TestRaiseStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, testMessage("l1", domain.RoleUser, time.Now()))

	changed, err := s.RaiseStatus(ctx, "l1", domain.StatusRead)
	if err != nil || !changed {
		t.Fatalf("expected raise to read, got changed=%v err=%v", changed, err)
	}
	changed, err = s.RaiseStatus(ctx, "l1", domain.StatusReceived)
	if err != nil || changed {
		t.Fatalf("expected lower status ignored, got changed=%v err=%v", changed, err)
	}
	if got := mustGet(t, s, "l1"); got.Status != domain.StatusRead {
		t.Fatalf("expected read, got %q", got.Status)
	}
	if _, err := s.RaiseStatus(ctx, "l1", domain.MessageStatus("bogus")); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := testMessage("l1", domain.RoleUser, time.Now())
	m.Pending = true
	m.Status = domain.StatusPending
	mustInsert(t, s, m)

	if err := s.MarkSynced(ctx, "l1", "srv-1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got := mustGet(t, s, "l1")
	if got.Pending || got.Status != domain.StatusSent || got.ServerID != "srv-1" {
		t.Fatalf("unexpected synced message: %+v", got)
	}

	// a second sync never reassigns the server id or lowers the status
	if _, err := s.RaiseStatus(ctx, "l1", domain.StatusRead); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := s.MarkSynced(ctx, "l1", "srv-2"); err != nil {
		t.Fatalf("mark synced again: %v", err)
	}
	got = mustGet(t, s, "l1")
	if got.ServerID != "srv-1" || got.Status != domain.StatusRead {
		t.Fatalf("resync changed the message: %+v", got)
	}

	pending, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending messages, got %d", len(pending))
	}
}

func TestListMessagesOrderedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	mustInsert(t, s, testMessage("late", domain.RoleAgent, base.Add(2*time.Second)))
	mustInsert(t, s, testMessage("early", domain.RoleUser, base))
	mustInsert(t, s, testMessage("mid", domain.RoleAgent, base.Add(500*time.Millisecond)))

	msgs, err := s.ListMessages(ctx, "c1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"early", "mid", "late"} {
		if msgs[i].LocalID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].LocalID)
		}
	}

	page, err := s.ListMessages(ctx, "c1", 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].LocalID != "mid" {
		t.Fatalf("unexpected page: %+v", page)
	}

	last, ok, err := s.LastKnownMessageTime(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("last known time: ok=%v err=%v", ok, err)
	}
	if !last.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("unexpected last known time %v", last)
	}
}

func TestUpdateMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := testMessage("f1", domain.RoleUser, time.Now())
	m.ContentType = domain.ContentImage
	m.StoragePath = "files/abc.png"
	mustInsert(t, s, m)

	if err := s.UpdateMessage(ctx, "f1", MessageUpdate{
		UploadStatus:     Ptr(domain.UploadFailed),
		ClearStoragePath: true,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := mustGet(t, s, "f1")
	if got.UploadStatus != domain.UploadFailed || got.StoragePath != "" {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := s.UpdateMessage(ctx, "f1", MessageUpdate{}); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestQueueStatusAckKeepsHigherStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, ack := range []domain.StatusAck{
		{LocalID: "b1", ConversationID: "c1", Status: domain.StatusRead},
		{LocalID: "b1", ConversationID: "c1", Status: domain.StatusReceived},
		{LocalID: "b2", ConversationID: "c1", Status: domain.StatusReceived},
		{LocalID: "b2", ConversationID: "c1", Status: domain.StatusRead},
	} {
		if err := s.QueueStatusAck(ctx, ack); err != nil {
			t.Fatalf("queue %s: %v", ack.LocalID, err)
		}
	}

	acks, err := s.QueuedStatusAcks(ctx, "c1")
	if err != nil {
		t.Fatalf("queued: %v", err)
	}
	if len(acks) != 2 {
		t.Fatalf("expected 2 queued acks, got %d", len(acks))
	}
	for _, ack := range acks {
		if ack.Status != domain.StatusRead {
			t.Fatalf("%s: expected read, got %q", ack.LocalID, ack.Status)
		}
	}

	if err := s.DeleteQueuedStatusAck(ctx, "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if acks, err = s.QueuedStatusAcks(ctx, "c1"); err != nil || len(acks) != 1 {
		t.Fatalf("expected 1 ack after delete, got %d (err=%v)", len(acks), err)
	}

	if err := s.ClearQueuedStatusAcks(ctx, "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if acks, err = s.QueuedStatusAcks(ctx, "c1"); err != nil || len(acks) != 0 {
		t.Fatalf("expected no acks after clear, got %d (err=%v)", len(acks), err)
	}
}

func TestConversationOverviewUnreadCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for _, c := range []domain.Conversation{
		{ID: "c1", UserID: "u1", AgentID: "a1", AgentName: "Ada"},
		{ID: "c2", UserID: "u1", AgentID: "a2", AgentName: "Bo"},
		// a bare upsert keeps the known name
		{ID: "c1", UserID: "u1", AgentID: "a1"},
	} {
		if err := s.UpsertConversation(ctx, c); err != nil {
			t.Fatalf("upsert %s: %v", c.ID, err)
		}
	}

	mustInsert(t, s, testMessage("a-1", domain.RoleAgent, base))
	mustInsert(t, s, testMessage("a-2", domain.RoleAgent, base.Add(time.Minute)))
	mustInsert(t, s, testMessage("u-1", domain.RoleUser, base.Add(2*time.Minute)))

	ovs, err := s.ListConversationOverviews(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("overviews: %v", err)
	}
	if len(ovs) != 2 {
		t.Fatalf("expected 2 overviews, got %d", len(ovs))
	}
	if ovs[0].ID != "c1" || ovs[0].AgentName != "Ada" {
		t.Fatalf("unexpected first overview: %+v", ovs[0])
	}
	if ovs[0].UnreadCount != 2 || ovs[0].LastMessage != "hello u-1" {
		t.Fatalf("unexpected summary: unread=%d last=%q", ovs[0].UnreadCount, ovs[0].LastMessage)
	}
	if ovs[1].UnreadCount != 0 {
		t.Fatalf("expected no unread in c2, got %d", ovs[1].UnreadCount)
	}

	if err := s.MarkConversationRead(ctx, "c1", base); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// moving the watermark backwards has no effect
	if err := s.MarkConversationRead(ctx, "c1", base.Add(-time.Hour)); err != nil {
		t.Fatalf("mark read earlier: %v", err)
	}

	ovs, err = s.ListConversationOverviews(ctx, "u1", 1, 0)
	if err != nil {
		t.Fatalf("overviews: %v", err)
	}
	if len(ovs) != 1 || ovs[0].UnreadCount != 1 {
		t.Fatalf("expected one overview with 1 unread, got %+v", ovs)
	}

	unread, err := s.UnreadAgentMessages(ctx, "c1", base)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 1 || unread[0].LocalID != "a-2" {
		t.Fatalf("expected a-2 unread, got %+v", unread)
	}
}
