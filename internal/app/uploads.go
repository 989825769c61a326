package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"velvet/pkg/domain"
)

// IncomingFile is one file from a multipart upload request. Size comes from
// the multipart header and is re-checked against the bytes actually copied.
type IncomingFile struct {
	Name    string
	Size    int64
	Content io.Reader
}

// CreateUpload validates and persists a batch of files as one immutable
// upload. Acceptance is all-or-nothing: a single oversized or disallowed file
// rejects the batch, and any write failure removes everything written so far.
func (a *App) CreateUpload(user domain.User, files []IncomingFile) (domain.Upload, error) {
	if len(files) == 0 {
		return domain.Upload{}, ErrNoFiles
	}

	var total int64
	for _, f := range files {
		name := filepath.Base(strings.TrimSpace(f.Name))
		if name == "" || name == "." || name == string(filepath.Separator) {
			return domain.Upload{}, fmt.Errorf("%w: empty file name", ErrFileTypeNotAllowed)
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !a.allowedExts[ext] {
			return domain.Upload{}, fmt.Errorf("%w: %s", ErrFileTypeNotAllowed, name)
		}
		if f.Size > a.maxFileBytes {
			return domain.Upload{}, fmt.Errorf("%w: %s", ErrFileTooLarge, name)
		}
		total += f.Size
	}
	if total > a.maxUploadBytes {
		return domain.Upload{}, ErrUploadTooLarge
	}

	uploadID := uuid.NewString()
	createdAt := time.Now().UTC()
	dir := filepath.Join(a.uploadDir, user.ID, fmt.Sprintf("%s_%s", createdAt.Format("20060102_150405"), uploadID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Upload{}, fmt.Errorf("create upload dir: %w", err)
	}

	infos := make([]domain.FileInfo, 0, len(files))
	for _, f := range files {
		name := filepath.Base(strings.TrimSpace(f.Name))
		path := filepath.Join(dir, name)
		written, err := copyFile(path, f.Content, a.maxFileBytes)
		if err != nil {
			os.RemoveAll(dir)
			return domain.Upload{}, fmt.Errorf("store %s: %w", name, err)
		}
		infos = append(infos, domain.FileInfo{
			Name: name,
			Size: written,
			Type: strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
			Path: path,
		})
	}

	upload := domain.Upload{
		ID:        uploadID,
		UserID:    user.ID,
		Files:     infos,
		Path:      dir,
		CreatedAt: createdAt,
	}
	if err := a.store.SaveUpload(upload); err != nil {
		os.RemoveAll(dir)
		return domain.Upload{}, fmt.Errorf("save upload: %w", err)
	}
	return upload, nil
}

// GetUpload returns one of the user's uploads.
func (a *App) GetUpload(user domain.User, uploadID string) (domain.Upload, error) {
	upload, ok, err := a.store.GetUpload(uploadID)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("fetch upload: %w", err)
	}
	if !ok || upload.UserID != user.ID {
		return domain.Upload{}, ErrNotFound
	}
	return upload, nil
}

// ListUploads returns the user's uploads, newest first.
func (a *App) ListUploads(user domain.User) ([]domain.Upload, error) {
	return a.store.ListUploadsByUser(user.ID)
}

// copyFile streams src to path, failing when more than limit bytes arrive.
// The multipart header size is advisory; the copy is the enforcement point.
func copyFile(path string, src io.Reader, limit int64) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	written, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return 0, err
	}
	if written > limit {
		return 0, ErrFileTooLarge
	}
	return written, nil
}
