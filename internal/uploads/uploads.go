// Package uploads enforces the per-type document caps before uploading.
package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/ashureev/resume-rooster/internal/domain"
)

// FileStore is the remote document store.
type FileStore interface {
	ListFiles(ctx context.Context, fileType domain.FileType) ([]domain.UploadedFile, error)
	DeleteFile(ctx context.Context, fileID string) error
	UploadFile(ctx context.Context, fileType domain.FileType, name string, content io.Reader) (domain.UploadedFile, error)
}

// Document is a file waiting to be uploaded.
type Document struct {
	Name    string
	Content io.Reader
}

// Result reports what an upload changed.
type Result struct {
	Evicted  []domain.UploadedFile
	Uploaded []domain.UploadedFile
	Skipped  []string
}

// Plan picks the files to evict so that incoming new files fit under max.
// It returns the oldest len(existing)+incoming-max files (bounded by
// len(existing)) and how many of the incoming files may be uploaded.
func Plan(existing []domain.UploadedFile, incoming, maxFiles int) ([]domain.UploadedFile, int) {
	accept := min(incoming, maxFiles)
	overflow := len(existing) + accept - maxFiles
	if overflow <= 0 {
		return nil, accept
	}
	overflow = min(overflow, len(existing))

	oldest := append([]domain.UploadedFile(nil), existing...)
	sort.SliceStable(oldest, func(i, j int) bool {
		return oldest[i].CreatedAt.Before(oldest[j].CreatedAt)
	})
	return oldest[:overflow], accept
}

// Uploader applies Plan against a FileStore.
type Uploader struct {
	files  FileStore
	logger *slog.Logger
}

// New creates an Uploader.
func New(files FileStore, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{files: files, logger: logger}
}

// Upload evicts the oldest files of fileType as needed, then uploads docs.
// An eviction failure aborts before anything is uploaded.
func (u *Uploader) Upload(ctx context.Context, fileType domain.FileType, docs []Document) (Result, error) {
	var res Result
	maxFiles := fileType.MaxFiles()
	if maxFiles == 0 {
		return res, fmt.Errorf("%w: no upload cap for file type %q", domain.ErrValidation, fileType)
	}

	existing, err := u.files.ListFiles(ctx, fileType)
	if err != nil {
		return res, fmt.Errorf("list %s files: %w", fileType, err)
	}

	evict, accept := Plan(existing, len(docs), maxFiles)
	for _, f := range evict {
		if err := u.files.DeleteFile(ctx, f.FileID); err != nil {
			return res, fmt.Errorf("evict %s: %w", f.DisplayName, err)
		}
		u.logger.Info("Evicted file over cap", "file_id", f.FileID, "file_type", fileType)
		res.Evicted = append(res.Evicted, f)
	}

	for i, doc := range docs {
		if i >= accept {
			res.Skipped = append(res.Skipped, doc.Name)
			continue
		}
		uploaded, err := u.files.UploadFile(ctx, fileType, doc.Name, doc.Content)
		if err != nil {
			return res, fmt.Errorf("upload %s: %w", doc.Name, err)
		}
		res.Uploaded = append(res.Uploaded, uploaded)
	}
	return res, nil
}
