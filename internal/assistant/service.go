// Package assistant talks to the hosted Assistants API: it owns the
// assistant definition, its vector store, uploaded files, threads and runs.
package assistant

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/uploads"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// Instructions is the system prompt of the assistant.
//
//go:embed instructions.md
var Instructions string

const (
	// Name is the display name of a created assistant.
	Name = "Resume Rooster"
	// ResumeFilename is the vector-store copy of the latest resume draft.
	ResumeFilename = "resume-draft.txt"

	defaultPollInterval = time.Second
)

// Config configures a Service.
type Config struct {
	APIKey          string
	BaseURL         string
	AssistantID     string
	Model           string
	VectorStoreName string
	PollInterval    time.Duration
}

// RunRecorder receives run lifecycle points for diagnostics.
type RunRecorder interface {
	Record(threadID, runID, event string)
	RecordAfter(threadID, runID, event string, delay time.Duration)
}

// Service wraps the Assistants API client.
type Service struct {
	client   openai.Client
	cfg      Config
	logger   *slog.Logger
	recorder RunRecorder

	mu            sync.Mutex
	assistantID   string
	vectorStoreID string
}

var (
	_ conversation.Backend = (*Service)(nil)
	_ uploads.FileStore    = (*Service)(nil)
)

// New creates a Service. Extra request options are applied after the
// configured key and base URL.
func New(cfg Config, logger *slog.Logger, opts ...option.RequestOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	return &Service{
		client:      openai.NewClient(reqOpts...),
		cfg:         cfg,
		logger:      logger.With("component", "assistant"),
		assistantID: strings.TrimSpace(cfg.AssistantID),
	}
}

// SetRecorder installs the run diagnostics sink. It must be called before the
// service handles requests.
func (s *Service) SetRecorder(r RunRecorder) {
	s.recorder = r
}

// Tools returns the tool definitions of the assistant in wire form.
func Tools() []map[string]any {
	return []map[string]any{
		{"type": "file_search"},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "update_resume",
				"description": "Save the latest version of the user's resume. Use this instead of posting resume content in chat.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The full latest resume in Markdown.",
						},
						"summary": map[string]any{
							"type":        "string",
							"description": "A short summary of what changed.",
						},
					},
					"required": []string{"content", "summary"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "get_resume",
				"description": "Get the latest resume content if one exists.",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}
}

// EnsureAssistant returns the configured assistant, creating one when no ID
// is configured. The result is cached for the life of the process.
func (s *Service) EnsureAssistant(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureAssistantLocked(ctx)
}

func (s *Service) ensureAssistantLocked(ctx context.Context) (string, error) {
	if s.assistantID != "" {
		return s.assistantID, nil
	}

	// Tools are a union on the typed params; the wire form is set directly.
	a, err := s.client.Beta.Assistants.New(ctx, openai.BetaAssistantNewParams{
		Model:        openai.ChatModel(s.cfg.Model),
		Name:         openai.String(Name),
		Instructions: openai.String(Instructions),
	}, option.WithJSONSet("tools", Tools()))
	if err != nil {
		return "", classify("create assistant", err)
	}
	s.assistantID = a.ID
	s.logger.Info("Created assistant", "assistant_id", a.ID, "model", s.cfg.Model)
	return a.ID, nil
}

// VectorStoreID returns the assistant's vector store. The first store
// attached to the assistant is used; otherwise a store is created and
// attached.
func (s *Service) VectorStoreID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectorStoreID != "" {
		return s.vectorStoreID, nil
	}
	assistantID, err := s.ensureAssistantLocked(ctx)
	if err != nil {
		return "", err
	}

	a, err := s.client.Beta.Assistants.Get(ctx, assistantID)
	if err != nil {
		return "", classify("get assistant", err)
	}
	if ids := gjson.Get(a.RawJSON(), "tool_resources.file_search.vector_store_ids").Array(); len(ids) > 0 {
		s.vectorStoreID = ids[0].String()
		return s.vectorStoreID, nil
	}

	vs, err := s.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name: openai.String(s.cfg.VectorStoreName),
	})
	if err != nil {
		return "", classify("create vector store", err)
	}
	_, err = s.client.Beta.Assistants.Update(ctx, assistantID, openai.BetaAssistantUpdateParams{},
		option.WithJSONSet("tool_resources", map[string]any{
			"file_search": map[string]any{"vector_store_ids": []string{vs.ID}},
		}))
	if err != nil {
		return "", classify("attach vector store", err)
	}

	s.vectorStoreID = vs.ID
	s.logger.Info("Created vector store", "vector_store_id", vs.ID, "assistant_id", assistantID)
	return vs.ID, nil
}

// classify wraps an API error with the domain error taxonomy.
func classify(what string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %w", what, domain.ErrNotFound, err)
		}
		return fmt.Errorf("%s: %w: %w", what, domain.ErrUpstream, err)
	}
	return fmt.Errorf("%s: %w: %w", what, domain.ErrTransport, err)
}
