// Package telegram is a Telegram front end: one conversation controller per
// chat, with state persisted in the server repository.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/resume-rooster/internal/clientstate"
	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/resume"
	"github.com/ashureev/resume-rooster/internal/uploads"
)

const (
	maxTelegramMessage = 4096
	maxDocumentBytes   = 20 << 20
	downloadTimeout    = 30 * time.Second
)

const helpText = `Send me your work experience as documents, and the job description with the caption "job" (or /job <text>). Then chat with me to build your resume.

/resume shows the current draft
/files lists your uploaded documents
/reset starts over`

// Backend is the assistant service used by every chat.
type Backend interface {
	conversation.Backend
	uploads.FileStore
	DeleteThread(ctx context.Context, threadID string) error
}

// Sender delivers messages to Telegram.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram chats to the assistant.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	sender   Sender
	backend  Backend
	repo     clientstate.ChatSessionRepository
	uploader *uploads.Uploader
	fetch    func(ctx context.Context, fileID string) (io.ReadCloser, error)
	logger   *slog.Logger

	mu    sync.Mutex
	chats map[int64]*chat
}

// chat serializes the turns of one Telegram chat.
type chat struct {
	mu     sync.Mutex
	ctrl   *conversation.Controller
	resume *resume.Handler
}

// New creates a Telegram adapter.
func New(token string, backend Backend, repo clientstate.ChatSessionRepository, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, backend, repo, logger)
	a.bot = bot
	a.fetch = a.download
	return a, nil
}

func newAdapter(sender Sender, backend Backend, repo clientstate.ChatSessionRepository, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sender:   sender,
		backend:  backend,
		repo:     repo,
		uploader: uploads.New(backend, logger),
		logger:   logger.With("component", "telegram"),
		chats:    make(map[int64]*chat),
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	a.logger.Info("Telegram bot started", "username", a.bot.Self.UserName)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			msg := update.Message
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.handleMessage(ctx, msg)
			}()
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch {
	case msg.IsCommand():
		a.handleCommand(ctx, msg)
	case msg.Document != nil:
		a.handleDocument(ctx, msg)
	case msg.Text != "":
		a.handleText(ctx, chatID, msg.Text)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start", "help":
		a.sendResponse(chatID, helpText)

	case "reset":
		if err := a.reset(ctx, chatID); err != nil {
			a.logger.Error("Reset failed", "chat_id", chatID, "error", err)
			a.sendResponse(chatID, "Sorry, I could not reset this chat.")
			return
		}
		a.sendResponse(chatID, "Started fresh. Upload your documents again to begin.")

	case "resume":
		c, err := a.chat(ctx, chatID, false)
		if err != nil {
			a.sendError(chatID, err)
			return
		}
		if content := c.resume.Content(); content != "" {
			a.sendResponse(chatID, content)
			return
		}
		a.sendResponse(chatID, resume.OutputNotAvailable)

	case "files":
		files, err := a.backend.ListFiles(ctx, "")
		if err != nil {
			a.sendError(chatID, err)
			return
		}
		a.sendResponse(chatID, formatFiles(files))

	case "job":
		text := strings.TrimSpace(msg.CommandArguments())
		if text == "" {
			a.sendResponse(chatID, "Usage: /job <job description text>")
			return
		}
		a.upload(ctx, chatID, domain.FileTypeJobDescription, uploads.Document{
			Name:    string(domain.FileTypeJobDescription) + ".txt",
			Content: strings.NewReader(text),
		})

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /resume, /files, /job, /reset")
	}
}

func (a *Adapter) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	doc := msg.Document
	if doc.FileSize > maxDocumentBytes {
		a.sendResponse(chatID, "That document is too large.")
		return
	}

	fileType := domain.FileTypeWorkExperience
	if strings.EqualFold(strings.TrimSpace(msg.Caption), "job") {
		fileType = domain.FileTypeJobDescription
	}

	body, err := a.fetch(ctx, doc.FileID)
	if err != nil {
		a.logger.Error("Document download failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I could not download that document.")
		return
	}
	defer body.Close()

	a.upload(ctx, chatID, fileType, uploads.Document{Name: doc.FileName, Content: body})
}

func (a *Adapter) upload(ctx context.Context, chatID int64, fileType domain.FileType, doc uploads.Document) {
	res, err := a.uploader.Upload(ctx, fileType, []uploads.Document{doc})
	if err != nil {
		a.sendError(chatID, err)
		return
	}
	reply := fmt.Sprintf("Saved %s as %s.", doc.Name, fileType)
	if len(res.Evicted) > 0 {
		reply += fmt.Sprintf(" Replaced %d older document(s).", len(res.Evicted))
	}
	a.sendResponse(chatID, reply)
}

func (a *Adapter) handleText(ctx context.Context, chatID int64, text string) {
	c, err := a.chat(ctx, chatID, true)
	if err != nil {
		a.sendError(chatID, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.ctrl.Session().Messages)
	err = c.ctrl.Send(ctx, text)
	a.deliver(chatID, c.ctrl.Session().Messages[before:])
	if err != nil {
		a.sendError(chatID, err)
	}
}

// chat returns the controller of chatID, starting it on first use. A new
// thread only begins when begin is set.
func (a *Adapter) chat(ctx context.Context, chatID int64, begin bool) (*chat, error) {
	a.mu.Lock()
	c, ok := a.chats[chatID]
	if !ok {
		store := clientstate.NewChatStore(a.repo, chatID)
		handler := resume.NewHandler(store, func(string) {
			a.sendResponse(chatID, "Resume updated. Send /resume to see the draft.")
		}, a.logger)
		c = &chat{
			resume: handler,
			ctrl:   conversation.NewController(a.backend, handler, store, conversation.WithLogger(a.logger)),
		}
		a.chats[chatID] = c
	}
	a.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl.Session().ThreadID != "" {
		return c, nil
	}

	st, err := clientstate.NewChatStore(a.repo, chatID).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chat state: %w", err)
	}
	if st.ThreadID == "" && !begin {
		return c, nil
	}

	err = c.ctrl.Start(ctx)
	if st.ThreadID == "" {
		a.deliver(chatID, c.ctrl.Session().Messages)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *Adapter) reset(ctx context.Context, chatID int64) error {
	a.mu.Lock()
	c, ok := a.chats[chatID]
	delete(a.chats, chatID)
	a.mu.Unlock()

	store := clientstate.NewChatStore(a.repo, chatID)
	st, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if st.ThreadID != "" {
		if err := a.backend.DeleteThread(ctx, st.ThreadID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("Failed to delete thread", "thread_id", st.ThreadID, "error", err)
		}
	}
	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ctrl.Reset(ctx)
	}
	return store.Clear(ctx)
}

// deliver sends the assistant messages among msgs.
func (a *Adapter) deliver(chatID int64, msgs []domain.Message) {
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && strings.TrimSpace(m.Text) != "" {
			a.sendResponse(chatID, m.Text)
		}
	}
}

func (a *Adapter) sendError(chatID int64, err error) {
	a.logger.Error("Chat request failed", "chat_id", chatID, "error", err)
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.sendResponse(chatID, "Sorry, that did not work: "+err.Error())
	case errors.Is(err, domain.ErrState):
		a.sendResponse(chatID, "Please wait for the current reply to finish.")
	default:
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Drafts are free-form Markdown that Telegram may reject.
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				a.logger.Warn("Send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func (a *Adapter) download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	link, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve file: %w", domain.ErrTransport, err)
	}
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: download file: %w", domain.ErrTransport, err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: download file: status %d", domain.ErrUpstream, res.StatusCode)
	}
	return cancelOnClose{Reader: io.LimitReader(res.Body, maxDocumentBytes), body: res.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.Reader
	body   io.Closer
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.body.Close()
}

func formatFiles(files []domain.UploadedFile) string {
	if len(files) == 0 {
		return "No documents uploaded yet."
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s (%s, %s)\n", f.DisplayName, f.FileType, f.CreatedAt.Format(time.DateOnly))
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitMessage cuts text into Telegram-sized parts, preferring line breaks.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := strings.LastIndexByte(text[:maxTelegramMessage], '\n')
		if end <= 0 {
			end = maxTelegramMessage
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		parts = append(parts, text[:end])
		text = strings.TrimPrefix(text[end:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
