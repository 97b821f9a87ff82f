package store

import "chatsync/pkg/domain"

// Message column names. Updates are built only from these.
const (
	colServerID     = "server_id"
	colBody         = "body"
	colPending      = "pending"
	colStatus       = "status"
	colFileName     = "file_name"
	colFileSize     = "file_size"
	colMimeType     = "mime_type"
	colDevicePath   = "device_path"
	colStoragePath  = "storage_path"
	colUploadStatus = "upload_status"
)

// MessageUpdate names the message fields to change. Nil fields are left as
// they are. Status is not settable here; use RaiseStatus so it stays monotonic.
type MessageUpdate struct {
	Body         *string
	Pending      *bool
	FileName     *string
	FileSize     *int64
	MimeType     *string
	DevicePath   *string
	StoragePath  *string
	UploadStatus *domain.UploadStatus

	// ClearStoragePath sets storage_path to NULL and wins over StoragePath.
	ClearStoragePath bool
}

// Ptr returns a pointer to v, for building updates inline.
func Ptr[T any](v T) *T {
	return &v
}

func (u MessageUpdate) columns() map[string]any {
	cols := make(map[string]any, 8)
	if u.Body != nil {
		cols[colBody] = nullString(*u.Body)
	}
	if u.Pending != nil {
		cols[colPending] = *u.Pending
	}
	if u.FileName != nil {
		cols[colFileName] = nullString(*u.FileName)
	}
	if u.FileSize != nil {
		cols[colFileSize] = *u.FileSize
	}
	if u.MimeType != nil {
		cols[colMimeType] = nullString(*u.MimeType)
	}
	if u.DevicePath != nil {
		cols[colDevicePath] = nullString(*u.DevicePath)
	}
	if u.StoragePath != nil {
		cols[colStoragePath] = nullString(*u.StoragePath)
	}
	if u.ClearStoragePath {
		cols[colStoragePath] = nil
	}
	if u.UploadStatus != nil {
		cols[colUploadStatus] = string(*u.UploadStatus)
	}
	return cols
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusStrings(statuses []domain.MessageStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
