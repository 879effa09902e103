package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/ashureev/resume-rooster/internal/assistant"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/jobpost"
	"github.com/ashureev/resume-rooster/internal/uploads"
	"github.com/go-chi/chi/v5"
)

// multipartMemory is the part of a multipart upload kept in memory.
const multipartMemory = 8 << 20

// Files is the hosted document store.
type Files interface {
	uploads.FileStore
	DeleteAll(ctx context.Context) (domain.DeleteAllResult, error)
	Download(ctx context.Context, fileID string) (assistant.Download, error)
}

// JobFetcher imports a job posting from a URL.
type JobFetcher interface {
	Fetch(ctx context.Context, url string) (jobpost.Posting, error)
}

// FilesHandler serves document upload, listing, deletion and download.
type FilesHandler struct {
	files    Files
	uploader *uploads.Uploader
	jobs     JobFetcher
	tokens   TokenCounter
	maxBytes int64
}

// NewFilesHandler creates the handler. jobs may be nil, which disables URL
// imports.
func NewFilesHandler(files Files, jobs JobFetcher, tokens TokenCounter, maxBytes int64) *FilesHandler {
	if tokens == nil {
		tokens = func(string) int { return 0 }
	}
	return &FilesHandler{
		files:    files,
		uploader: uploads.New(files, slog.Default()),
		jobs:     jobs,
		tokens:   tokens,
		maxBytes: maxBytes,
	}
}

// RegisterRoutes registers the file routes.
func (h *FilesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistants/files", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Upload)
		r.Delete("/", h.DeleteAll)
		r.Delete("/{fileId}", h.Delete)
	})
	r.Get("/files/{fileId}", h.Download)
}

// List returns stored documents, optionally filtered by ?fileType.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	var fileType domain.FileType
	if raw := r.URL.Query().Get("fileType"); raw != "" {
		ft, err := domain.ParseFileType(raw)
		if err != nil {
			fail(w, r, "invalid file type", err)
			return
		}
		fileType = ft
	}

	files, err := h.files.ListFiles(r.Context(), fileType)
	if err != nil {
		fail(w, r, "failed to list files", err)
		return
	}
	if files == nil {
		files = []domain.UploadedFile{}
	}
	JSON(w, http.StatusOK, map[string]any{"files": files})
}

type uploadResponse struct {
	Success bool                  `json:"success"`
	Files   []domain.UploadedFile `json:"files"`
	Evicted []domain.UploadedFile `json:"evicted"`
	Skipped []string              `json:"skipped,omitempty"`
	Tokens  int                   `json:"tokens"`
	Message string                `json:"message"`
}

type textUpload struct {
	Text     string `json:"text"`
	URL      string `json:"url"`
	FileType string `json:"fileType"`
}

// Upload accepts multipart files, pasted text, or a job posting URL.
// Oldest documents of the type are evicted to stay within its cap.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var (
		fileType domain.FileType
		docs     []uploads.Document
		tokens   int
		err      error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		fileType, docs, tokens, err = h.readMultipart(w, r)
	} else {
		fileType, docs, tokens, err = h.readJSON(w, r)
	}
	if err != nil {
		fail(w, r, "invalid upload", err)
		return
	}

	res, err := h.uploader.Upload(r.Context(), fileType, docs)
	if err != nil {
		fail(w, r, "failed to upload files", err)
		return
	}

	resp := uploadResponse{
		Success: true,
		Files:   nonNil(res.Uploaded),
		Evicted: nonNil(res.Evicted),
		Skipped: res.Skipped,
		Tokens:  tokens,
		Message: fmt.Sprintf("Uploaded %d %s file(s)", len(res.Uploaded), fileType),
	}
	if len(res.Skipped) > 0 {
		resp.Message += fmt.Sprintf(", skipped %d over the limit of %d", len(res.Skipped), fileType.MaxFiles())
	}
	slog.Info("Files uploaded",
		"file_type", fileType,
		"uploaded", len(res.Uploaded),
		"evicted", len(res.Evicted),
		"skipped", len(res.Skipped),
		"tokens", tokens,
	)
	JSON(w, http.StatusOK, resp)
}

func (h *FilesHandler) readMultipart(w http.ResponseWriter, r *http.Request) (domain.FileType, []uploads.Document, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, 0, fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrValidation, h.maxBytes)
		}
		return "", nil, 0, fmt.Errorf("%w: invalid multipart form: %w", domain.ErrValidation, err)
	}

	fileType, err := domain.ParseFileType(r.FormValue("fileType"))
	if err != nil {
		return "", nil, 0, err
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return "", nil, 0, fmt.Errorf("%w: no file uploaded", domain.ErrValidation)
	}

	var (
		docs   []uploads.Document
		tokens int
	)
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return "", nil, 0, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return "", nil, 0, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		tokens += h.tokens(string(data))
		docs = append(docs, uploads.Document{Name: fh.Filename, Content: strings.NewReader(string(data))})
	}
	return fileType, docs, tokens, nil
}

func (h *FilesHandler) readJSON(w http.ResponseWriter, r *http.Request) (domain.FileType, []uploads.Document, int, error) {
	var req textUpload
	if err := decodeJSON(w, r, h.maxBytes, &req); err != nil {
		return "", nil, 0, err
	}
	fileType, err := domain.ParseFileType(req.FileType)
	if err != nil {
		return "", nil, 0, err
	}

	text := req.Text
	name := string(fileType) + ".txt"
	switch {
	case strings.TrimSpace(req.URL) != "":
		if h.jobs == nil {
			return "", nil, 0, fmt.Errorf("%w: URL imports are disabled", domain.ErrValidation)
		}
		posting, err := h.jobs.Fetch(r.Context(), req.URL)
		if err != nil {
			return "", nil, 0, err
		}
		text = posting.Document()
		name = string(fileType) + ".md"
	case strings.TrimSpace(text) == "":
		return "", nil, 0, fmt.Errorf("%w: text or url is required", domain.ErrValidation)
	}

	doc := uploads.Document{Name: name, Content: strings.NewReader(text)}
	return fileType, []uploads.Document{doc}, h.tokens(text), nil
}

// Delete removes one document.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	if err := h.files.DeleteFile(r.Context(), fileID); err != nil {
		fail(w, r, "failed to delete file", err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteAll removes every stored document.
func (h *FilesHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.files.DeleteAll(r.Context())
	if err != nil {
		fail(w, r, "failed to clean up files", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"deletedVectorStoreFiles": res.DeletedVectorStoreFiles,
		"deletedFiles":            res.DeletedFiles,
		"message": fmt.Sprintf("Deleted %d vector store files and %d files",
			res.DeletedVectorStoreFiles, res.DeletedFiles),
	})
}

// Download streams a document. Rewritten citations link here.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.files.Download(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		fail(w, r, "failed to download file", err)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	if disp := mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}); disp != "" {
		w.Header().Set("Content-Disposition", disp)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		slog.Warn("Download interrupted", "filename", dl.Filename, "error", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
