package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStorage keeps large payloads out of the database: oversized event
// bodies and attachment blobs are written to disk and referenced by path.
type FileStorage struct {
	root string
}

// NewFileStorage creates the storage directory under root if needed.
func NewFileStorage(root string) (*FileStorage, error) {
	dir := filepath.Join(root, "beacon")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{root: dir}, nil
}

// WriteEventPayload persists an event body too large to inline and returns
// the path to store on the event row.
func (f *FileStorage) WriteEventPayload(eventID string, data []byte) (string, error) {
	path := filepath.Join(f.root, "event_"+eventID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write event payload: %w", err)
	}
	return path, nil
}

// WriteAttachment persists attachment bytes and returns the file path.
func (f *FileStorage) WriteAttachment(attachmentID, name string, data []byte) (string, error) {
	path := filepath.Join(f.root, "attachment_"+attachmentID+"_"+filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return path, nil
}

// ReadFile loads a previously written payload or attachment.
func (f *FileStorage) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Remove deletes a stored file. A missing file is not an error: the row
// referencing it may outlive a cleanup pass.
func (f *FileStorage) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
