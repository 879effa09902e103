package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const deleteConcurrency = 4

// Download is an open file body with its metadata.
type Download struct {
	Filename    string
	ContentType string
	Body        io.ReadCloser
}

// ListFiles returns the assistant files of fileType, newest first. An empty
// fileType lists every file.
func (s *Service) ListFiles(ctx context.Context, fileType domain.FileType) ([]domain.UploadedFile, error) {
	all, err := s.listAll(ctx)
	if err != nil {
		return nil, err
	}
	if fileType == "" {
		return all, nil
	}
	out := all[:0]
	for _, f := range all {
		if f.FileType == fileType {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Service) listAll(ctx context.Context) ([]domain.UploadedFile, error) {
	pager := s.client.Files.ListAutoPaging(ctx, openai.FileListParams{},
		option.WithQuery("purpose", string(openai.FilePurposeAssistants)))

	var out []domain.UploadedFile
	for pager.Next() {
		f := pager.Current()
		out = append(out, domain.NewUploadedFile(f.ID, f.Filename, time.Unix(f.CreatedAt, 0), f.Bytes))
	}
	if err := pager.Err(); err != nil {
		return nil, classify("list files", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UploadFile stores a document under the naming convention of its type and
// attaches it to the vector store.
func (s *Service) UploadFile(ctx context.Context, fileType domain.FileType, name string, content io.Reader) (domain.UploadedFile, error) {
	if _, err := domain.ParseFileType(string(fileType)); err != nil {
		return domain.UploadedFile{}, err
	}
	if strings.TrimSpace(name) == "" {
		return domain.UploadedFile{}, fmt.Errorf("%w: file name is required", domain.ErrValidation)
	}
	return s.upload(ctx, domain.EncodeFilename(time.Now(), fileType, filepath.Base(name)), content)
}

func (s *Service) upload(ctx context.Context, filename string, content io.Reader) (domain.UploadedFile, error) {
	vsID, err := s.VectorStoreID(ctx)
	if err != nil {
		return domain.UploadedFile{}, err
	}

	f, err := s.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(content, filename, contentType(filename)),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return domain.UploadedFile{}, classify("upload file", err)
	}

	if err := s.attach(ctx, vsID, f.ID); err != nil {
		if _, derr := s.client.Files.Delete(context.WithoutCancel(ctx), f.ID); derr != nil {
			s.logger.Warn("Failed to remove unattached file", "file_id", f.ID, "error", derr)
		}
		return domain.UploadedFile{}, err
	}

	s.logger.Info("Uploaded file", "file_id", f.ID, "filename", f.Filename, "bytes", f.Bytes)
	return domain.NewUploadedFile(f.ID, f.Filename, time.Unix(f.CreatedAt, 0), f.Bytes), nil
}

// attach adds a file to the vector store and polls until it is indexed.
func (s *Service) attach(ctx context.Context, vsID, fileID string) error {
	vf, err := s.client.VectorStores.Files.New(ctx, vsID, openai.VectorStoreFileNewParams{
		FileID: fileID,
	})
	if err != nil {
		return classify("attach file", err)
	}

	for string(vf.Status) == "in_progress" {
		select {
		case <-ctx.Done():
			return fmt.Errorf("attach file: %w: %w", domain.ErrTransport, ctx.Err())
		case <-time.After(s.cfg.PollInterval):
		}
		vf, err = s.client.VectorStores.Files.Get(ctx, vsID, fileID)
		if err != nil {
			return classify("poll file", err)
		}
	}

	if status := string(vf.Status); status != "completed" {
		reason := gjson.Get(vf.RawJSON(), "last_error.message").String()
		if reason == "" {
			reason = status
		}
		return fmt.Errorf("%w: file %s not indexed: %s", domain.ErrUpstream, fileID, reason)
	}
	return nil
}

// DeleteFile detaches a file from the vector store and deletes it.
func (s *Service) DeleteFile(ctx context.Context, fileID string) error {
	vsID, err := s.VectorStoreID(ctx)
	if err != nil {
		return err
	}
	if _, err := s.client.VectorStores.Files.Delete(ctx, vsID, fileID); err != nil {
		if err := classify("detach file", err); !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if _, err := s.client.Files.Delete(ctx, fileID); err != nil {
		return classify("delete file", err)
	}
	s.logger.Info("Deleted file", "file_id", fileID)
	return nil
}

// DeleteAll removes every vector-store file, then every assistant file.
// Individual failures are logged and left out of the counts.
func (s *Service) DeleteAll(ctx context.Context) (domain.DeleteAllResult, error) {
	var res domain.DeleteAllResult

	vsID, err := s.VectorStoreID(ctx)
	if err != nil {
		return res, err
	}
	var storeIDs []string
	pager := s.client.VectorStores.Files.ListAutoPaging(ctx, vsID, openai.VectorStoreFileListParams{})
	for pager.Next() {
		storeIDs = append(storeIDs, pager.Current().ID)
	}
	if err := pager.Err(); err != nil {
		return res, classify("list vector store files", err)
	}
	res.DeletedVectorStoreFiles = s.deleteEach(ctx, storeIDs, func(ctx context.Context, id string) error {
		_, err := s.client.VectorStores.Files.Delete(ctx, vsID, id)
		return err
	})

	files, err := s.listAll(ctx)
	if err != nil {
		return res, err
	}
	fileIDs := make([]string, 0, len(files))
	for _, f := range files {
		fileIDs = append(fileIDs, f.FileID)
	}
	res.DeletedFiles = s.deleteEach(ctx, fileIDs, func(ctx context.Context, id string) error {
		_, err := s.client.Files.Delete(ctx, id)
		return err
	})

	s.logger.Info("Cleanup complete",
		"deleted_vector_store_files", res.DeletedVectorStoreFiles,
		"deleted_files", res.DeletedFiles)
	return res, nil
}

func (s *Service) deleteEach(ctx context.Context, ids []string, del func(context.Context, string) error) int {
	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := del(gctx, id); err != nil {
				s.logger.Warn("Failed to delete file", "file_id", id, "error", err)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(deleted.Load())
}

// Download opens the content of a file.
func (s *Service) Download(ctx context.Context, fileID string) (Download, error) {
	meta, err := s.client.Files.Get(ctx, fileID)
	if err != nil {
		return Download{}, classify("get file", err)
	}
	res, err := s.client.Files.Content(ctx, fileID)
	if err != nil {
		return Download{}, classify("download file", err)
	}
	_, display := domain.DecodeFilename(meta.Filename)
	ctype := res.Header.Get("Content-Type")
	if ctype == "" {
		ctype = contentType(display)
	}
	return Download{Filename: display, ContentType: ctype, Body: res.Body}, nil
}

// SyncResume replaces the vector-store copy of the resume draft.
func (s *Service) SyncResume(ctx context.Context, content string) error {
	files, err := s.listAll(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Filename != ResumeFilename {
			continue
		}
		if err := s.DeleteFile(ctx, f.FileID); err != nil {
			return fmt.Errorf("remove previous resume: %w", err)
		}
	}
	uploaded, err := s.upload(ctx, ResumeFilename, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("upload resume: %w", err)
	}
	s.logger.Info("Synced resume to vector store", "file_id", uploaded.FileID)
	return nil
}

func contentType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
