package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsync/internal/util"
	"chatsync/pkg/domain"
	"chatsync/pkg/envelope"
	"chatsync/pkg/store"
	"chatsync/pkg/upload"
)

// SendMessage stores msg locally as pending (unless skipLocalInsert), sends
// it to the agent and waits for a delivery acknowledgment. Without one the
// message is written to the remote store. It returns the message as stored.
// A failed remote write leaves the message pending for the next flush and is
// not an error.
func (e *Engine) SendMessage(ctx context.Context, msg domain.Message, skipLocalInsert bool) (domain.Message, error) {
	userID, ok := e.session()
	if !ok {
		return domain.Message{}, ErrNotStarted
	}
	msg, err := prepareOutgoing(msg, userID)
	if err != nil {
		return domain.Message{}, err
	}
	if !skipLocalInsert {
		if err := e.storeOutgoing(ctx, msg); err != nil {
			return domain.Message{}, err
		}
	}
	e.deliver(ctx, msg)
	return e.reload(ctx, msg)
}

// SendFileMessage stores a file message locally, uploads its attachment and
// then sends it like SendMessage. msg.DevicePath names the file to send.
func (e *Engine) SendFileMessage(ctx context.Context, msg domain.Message, skipLocalInsert bool) (domain.Message, error) {
	userID, ok := e.session()
	if !ok {
		return domain.Message{}, ErrNotStarted
	}
	if e.uploads == nil {
		return domain.Message{}, ErrFilesDisabled
	}
	if !msg.ContentType.IsFile() {
		return domain.Message{}, ErrNotFileMessage
	}
	msg, err := prepareOutgoing(msg, userID)
	if err != nil {
		return domain.Message{}, err
	}
	if !skipLocalInsert {
		if msg, err = e.prepareAttachment(msg); err != nil {
			return domain.Message{}, err
		}
		msg.UploadStatus = domain.UploadUploading
		if err := e.storeOutgoing(ctx, msg); err != nil {
			return domain.Message{}, err
		}
	}
	return e.uploadAndDeliver(ctx, msg)
}

// ReSend retries a pending message: failed or unfinished attachments are
// uploaded again before sending. Confirmed messages are returned unchanged.
func (e *Engine) ReSend(ctx context.Context, localID string) (domain.Message, error) {
	if _, ok := e.session(); !ok {
		return domain.Message{}, ErrNotStarted
	}
	msg, found, err := e.store.GetMessage(ctx, localID)
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		return domain.Message{}, ErrMessageNotFound
	}
	if !msg.Pending {
		return msg, nil
	}
	return e.flushMessage(ctx, msg)
}

// CancelUpload stops the attachment upload of a message. The message is left
// failed with no storage path and can be retried with ReSend.
func (e *Engine) CancelUpload(ctx context.Context, localID string) error {
	if e.uploads != nil && e.uploads.Cancel(localID) {
		return nil
	}
	msg, found, err := e.store.GetMessage(ctx, localID)
	if err != nil {
		return err
	}
	if !found {
		return ErrMessageNotFound
	}
	if msg.UploadStatus != domain.UploadUploading {
		return nil
	}
	// no session: the upload died with a previous run
	return e.markUploadFailed(ctx, localID)
}

// DownloadFileForMessage fetches the attachment of a received message into
// the media directory and points the message body at it. A failed fetch
// leaves the message marked failed and is reported through FileDownload,
// not the returned error.
func (e *Engine) DownloadFileForMessage(ctx context.Context, localID string) error {
	if e.uploads == nil || e.media == nil {
		return ErrFilesDisabled
	}
	msg, found, err := e.store.GetMessage(ctx, localID)
	if err != nil {
		return err
	}
	if !found {
		return ErrMessageNotFound
	}
	if !msg.ContentType.IsFile() || msg.StoragePath == "" {
		return ErrNotFileMessage
	}
	if msg.UploadStatus == domain.UploadDownloaded && fileExists(msg.DevicePath) {
		e.events.emit(FileDownload{LocalID: localID, Body: msg.Body, UploadStatus: msg.UploadStatus})
		return nil
	}

	if err := e.store.UpdateMessage(ctx, localID, store.MessageUpdate{UploadStatus: store.Ptr(domain.UploadDownloading)}); err != nil {
		return err
	}
	e.events.emit(FileDownload{LocalID: localID, Body: msg.Body, UploadStatus: domain.UploadDownloading})

	dest := e.media.ReceivedPath(localID, msg.FileName)
	if err := e.uploads.Download(ctx, msg.StoragePath, dest); err != nil {
		e.logger.Warn("download attachment", "local_id", localID, "err", err)
		wctx, cancel := detached(ctx)
		defer cancel()
		if uerr := e.store.UpdateMessage(wctx, localID, store.MessageUpdate{UploadStatus: store.Ptr(domain.UploadFailed)}); uerr != nil {
			e.logger.Error("mark download failed", "local_id", localID, "err", uerr)
			return uerr
		}
		e.events.emit(FileDownload{LocalID: localID, Body: msg.Body, UploadStatus: domain.UploadFailed})
		return nil
	}

	body := domain.ParseFileBody(msg.Body)
	body.URI = dest
	bodyText := body.String()
	if err := e.store.UpdateMessage(ctx, localID, store.MessageUpdate{
		Body:         &bodyText,
		DevicePath:   &dest,
		UploadStatus: store.Ptr(domain.UploadDownloaded),
	}); err != nil {
		return err
	}
	e.events.emit(FileDownload{LocalID: localID, Body: bodyText, UploadStatus: domain.UploadDownloaded})
	return nil
}

// SyncReadStatus acknowledges as read every agent message newer than the
// conversation's read watermark and moves the watermark to now.
func (e *Engine) SyncReadStatus(ctx context.Context, conversationID, agentID string) error {
	if _, ok := e.session(); !ok {
		return ErrNotStarted
	}
	since, _, err := e.store.LastReadAt(ctx, conversationID)
	if err != nil {
		return err
	}
	unread, err := e.store.UnreadAgentMessages(ctx, conversationID, since)
	if err != nil {
		return err
	}
	if err := e.store.MarkConversationRead(ctx, conversationID, time.Now()); err != nil {
		return err
	}
	for _, m := range unread {
		if _, err := e.store.RaiseStatus(ctx, m.LocalID, domain.StatusRead); err != nil {
			return err
		}
		peer := agentID
		if peer == "" {
			peer = m.SenderID
		}
		e.sendStatusAck(ctx, statusAck{
			localID:        m.LocalID,
			conversationID: conversationID,
			serverID:       m.ServerID,
			agentID:        peer,
			status:         domain.StatusRead,
			upgrade:        true,
		})
	}
	return nil
}

func prepareOutgoing(msg domain.Message, userID string) (domain.Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" || strings.TrimSpace(msg.ReceiverID) == "" {
		return domain.Message{}, ErrInvalidMessage
	}
	if msg.LocalID == "" {
		msg.LocalID = util.NewLocalID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentText
	}
	msg.SenderRole = domain.RoleUser
	msg.SenderID = userID
	msg.Pending = true
	msg.Status = domain.StatusPending
	if msg.UploadStatus == "" {
		msg.UploadStatus = domain.UploadIdle
	}
	return msg, nil
}

// prepareAttachment copies the file into the media directory and fills in
// the file metadata and body.
func (e *Engine) prepareAttachment(msg domain.Message) (domain.Message, error) {
	src := msg.DevicePath
	if src == "" {
		src = domain.ParseFileBody(msg.Body).URI
	}
	if src == "" {
		return domain.Message{}, fmt.Errorf("%w: no file path", ErrNotFileMessage)
	}
	info, err := os.Stat(src)
	if err != nil {
		return domain.Message{}, fmt.Errorf("stat attachment: %w", err)
	}
	if msg.FileName == "" {
		msg.FileName = filepath.Base(src)
	}
	if msg.FileSize == 0 {
		msg.FileSize = info.Size()
	}
	if e.media != nil {
		saved, _, err := e.media.SaveSent(src)
		if err != nil {
			return domain.Message{}, err
		}
		src = saved
	}
	msg.DevicePath = src
	body := domain.ParseFileBody(msg.Body)
	body.URI = src
	msg.Body = body.String()
	return msg, nil
}

func (e *Engine) storeOutgoing(ctx context.Context, msg domain.Message) error {
	if err := e.ensureLocalConversation(ctx, msg.ConversationID, msg.SenderID, msg.ReceiverID); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if _, err := e.store.InsertMessage(ctx, msg); err != nil {
		return err
	}
	e.events.emit(OutgoingMessage{Message: msg})
	return nil
}

// deliver broadcasts msg and waits for a delivery acknowledgment. The inbound
// handler applies the acknowledgment; on timeout the message is written to
// the remote store.
func (e *Engine) deliver(ctx context.Context, msg domain.Message) {
	fut := e.waiter.Expect(envelope.KindDeliveryAck, msg.LocalID)
	acked := false
	if err := e.publish(ctx, msg.ReceiverID, envelope.Message{Message: msg}); err != nil {
		fut.Cancel()
	} else {
		acked = fut.Await(ctx, e.ackTimeout)
	}
	e.metrics.acks.WithLabelValues(string(envelope.KindDeliveryAck), outcome(acked)).Inc()
	if acked {
		return
	}
	e.writeRemote(ctx, msg)
}

// writeRemote persists msg in the remote store and marks it synced.
func (e *Engine) writeRemote(ctx context.Context, msg domain.Message) {
	wctx, cancel := detached(ctx)
	defer cancel()
	conv, ok, err := e.store.GetConversation(wctx, msg.ConversationID)
	if err != nil || !ok {
		conv = domain.Conversation{ID: msg.ConversationID, UserID: msg.SenderID, AgentID: msg.ReceiverID}
	}
	if err := e.remote.EnsureConversation(wctx, conv); err != nil {
		e.metrics.fallbacks.WithLabelValues("remote_message", "error").Inc()
		e.logger.Warn("ensure remote conversation", "conversation_id", msg.ConversationID, "err", err)
		return
	}
	out := msg
	if out.ContentType.IsFile() {
		out.Body = domain.StripDeviceURI(out.Body)
	}
	serverID, err := e.remote.InsertMessage(wctx, out)
	e.metrics.fallbacks.WithLabelValues("remote_message", result(err)).Inc()
	if err != nil {
		e.logger.Warn("write message to remote store", "local_id", msg.LocalID, "err", err)
		return
	}
	if err := e.store.MarkSynced(wctx, msg.LocalID, serverID); err != nil {
		e.logger.Error("mark message synced", "local_id", msg.LocalID, "err", err)
		return
	}
	current, _, err := e.store.GetMessage(wctx, msg.LocalID)
	if err != nil {
		e.logger.Error("reload synced message", "local_id", msg.LocalID, "err", err)
		return
	}
	e.events.emit(MessageAck{
		LocalID:        msg.LocalID,
		ConversationID: msg.ConversationID,
		ServerID:       current.ServerID,
		Status:         current.Status,
	})
}

// uploadAndDeliver uploads the attachment of msg and sends it once stored.
func (e *Engine) uploadAndDeliver(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.UploadStatus != domain.UploadUploading {
		if err := e.store.UpdateMessage(ctx, msg.LocalID, store.MessageUpdate{UploadStatus: store.Ptr(domain.UploadUploading)}); err != nil {
			return domain.Message{}, err
		}
	}
	src := msg.DevicePath
	if src == "" {
		src = domain.ParseFileBody(msg.Body).URI
	}
	res, err := e.uploads.Upload(ctx, upload.Request{
		LocalID:  msg.LocalID,
		FilePath: src,
		FileName: msg.FileName,
		MimeType: msg.MimeType,
	}, func(p int) {
		e.events.emit(UploadProgress{LocalID: msg.LocalID, Progress: p})
	})
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrCanceled):
			e.metrics.uploads.WithLabelValues("canceled").Inc()
		case errors.Is(err, upload.ErrInFlight):
			return domain.Message{}, err
		default:
			e.metrics.uploads.WithLabelValues("failed").Inc()
			e.logger.Warn("upload attachment", "local_id", msg.LocalID, "err", err)
		}
		if ferr := e.markUploadFailed(ctx, msg.LocalID); ferr != nil {
			e.logger.Error("mark upload failed", "local_id", msg.LocalID, "err", ferr)
		}
		return domain.Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	if res.Reused {
		e.metrics.uploads.WithLabelValues("reused").Inc()
	} else {
		e.metrics.uploads.WithLabelValues("uploaded").Inc()
	}
	if err := e.store.UpdateMessage(ctx, msg.LocalID, store.MessageUpdate{
		StoragePath:  &res.StoragePath,
		UploadStatus: store.Ptr(domain.UploadUploaded),
	}); err != nil {
		return domain.Message{}, err
	}
	msg.StoragePath = res.StoragePath
	msg.UploadStatus = domain.UploadUploaded
	e.deliver(ctx, msg)
	return e.reload(ctx, msg)
}

func (e *Engine) markUploadFailed(ctx context.Context, localID string) error {
	wctx, cancel := detached(ctx)
	defer cancel()
	err := e.store.UpdateMessage(wctx, localID, store.MessageUpdate{
		UploadStatus:     store.Ptr(domain.UploadFailed),
		ClearStoragePath: true,
	})
	e.events.emit(UploadProgress{LocalID: localID, Progress: -1})
	return err
}

// flushMessage sends one pending message through the path its state needs.
func (e *Engine) flushMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ContentType.IsFile() && (msg.UploadStatus != domain.UploadUploaded || msg.StoragePath == "") {
		if e.uploads == nil {
			return domain.Message{}, ErrFilesDisabled
		}
		return e.uploadAndDeliver(ctx, msg)
	}
	e.deliver(ctx, msg)
	return e.reload(ctx, msg)
}

func (e *Engine) reload(ctx context.Context, msg domain.Message) (domain.Message, error) {
	current, found, err := e.store.GetMessage(ctx, msg.LocalID)
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		// skipLocalInsert sends have no row
		return msg, nil
	}
	return current, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
