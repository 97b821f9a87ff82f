package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	sentDir     = "sent"
	receivedDir = "received"
)

// MediaDir is the on-device directory for attachment copies. Sent files are
// stored by content hash so identical content is kept once.
type MediaDir struct {
	root string
}

// NewMediaDir creates the directory layout under root.
func NewMediaDir(root string) (*MediaDir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("media dir: root is required")
	}
	for _, dir := range []string{sentDir, receivedDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &MediaDir{root: root}, nil
}

// HashFile returns the hex SHA-256 of a file and its size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ContentKey is the content-addressed name for a file with the given hash.
func ContentKey(hash, fileName string) string {
	return hash + strings.ToLower(filepath.Ext(fileName))
}

// SaveSent copies src into the sent directory under its content hash and
// returns the stored path and hash. Content already present is reused.
func (d *MediaDir) SaveSent(src string) (string, string, error) {
	hash, _, err := HashFile(src)
	if err != nil {
		return "", "", err
	}
	dest := filepath.Join(d.root, sentDir, ContentKey(hash, src))
	if _, err := os.Stat(dest); err == nil {
		return dest, hash, nil
	}
	if err := copyFile(src, dest); err != nil {
		return "", "", err
	}
	return dest, hash, nil
}

// ReceivedPath is where a downloaded attachment of a message is stored.
func (d *MediaDir) ReceivedPath(localID, fileName string) string {
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "file"
	}
	return filepath.Join(d.root, receivedDir, localID+"_"+name)
}

// copyFile writes through a temp file so a partial copy is never visible
// under dest.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
