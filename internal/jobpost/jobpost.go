// Package jobpost imports a job description from a web page as Markdown.
package jobpost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/ashureev/resume-rooster/internal/domain"
)

const (
	defaultMaxBytes = 2 << 20
	maxChars        = 50000
	userAgent       = "ResumeRooster/1.0"
)

// Selectors tried in order for the main content of a posting.
var contentSelectors = []string{
	"[data-testid=job-description]",
	"#job-description",
	".job-description",
	"article",
	"main",
	"[role=main]",
}

// Boilerplate removed before conversion.
const noise = "script, style, noscript, svg, iframe, form, nav, header, footer, aside, button"

// Posting is an imported job description.
type Posting struct {
	Title     string
	SourceURL string
	Markdown  string
}

// Document renders the posting as the uploaded text.
func (p Posting) Document() string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString("# " + p.Title + "\n\n")
	}
	b.WriteString("Source: " + p.SourceURL + "\n\n")
	b.WriteString(p.Markdown)
	return b.String()
}

// Fetcher downloads and converts job postings.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher with the given request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: defaultMaxBytes,
	}
}

// Fetch downloads rawURL and extracts its main content as Markdown.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Posting, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Posting{}, fmt.Errorf("%w: url must be an absolute http(s) URL", domain.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Posting{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return Posting{}, fmt.Errorf("%w: fetch job posting: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Posting{}, fmt.Errorf("%w: fetch job posting: status %d", domain.ErrUpstream, resp.StatusCode)
	}

	return Parse(io.LimitReader(resp.Body, f.maxBytes), u.String())
}

// Parse extracts the posting from an HTML document.
func Parse(r io.Reader, sourceURL string) (Posting, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Posting{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	doc.Find(noise).Remove()

	content := doc.Find("body")
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			content = s
			break
		}
	}

	html, err := content.Html()
	if err != nil {
		return Posting{}, fmt.Errorf("render content: %w", err)
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return Posting{}, fmt.Errorf("convert to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return Posting{}, fmt.Errorf("%w: page has no readable content", domain.ErrValidation)
	}
	if len(md) > maxChars {
		md = md[:maxChars] + "\n\n[Content truncated]"
	}

	return Posting{Title: title, SourceURL: sourceURL, Markdown: md}, nil
}
