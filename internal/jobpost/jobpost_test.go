package jobpost

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
)

const postingHTML = `<html><head><title>Careers | Acme</title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a> <a href="/jobs">Jobs</a></nav>
<main>
<h1>Staff Engineer, ML Platform</h1>
<p>We are looking for an engineer to <strong>lead</strong> our training infrastructure.</p>
<ul><li>8+ years building distributed systems</li><li>Experience with Kubernetes</li></ul>
</main>
<footer>© Acme</footer>
</body></html>`

func TestFetchExtractsMainContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent")
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(postingHTML))
	}))
	defer srv.Close()

	p, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL+"/jobs/42")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Title != "Staff Engineer, ML Platform" {
		t.Errorf("title = %q", p.Title)
	}
	for _, want := range []string{"**lead**", "8+ years building distributed systems", "Kubernetes"} {
		if !strings.Contains(p.Markdown, want) {
			t.Errorf("markdown missing %q:\n%s", want, p.Markdown)
		}
	}
	for _, unwanted := range []string{"var x", "Home", "© Acme"} {
		if strings.Contains(p.Markdown, unwanted) {
			t.Errorf("markdown kept boilerplate %q:\n%s", unwanted, p.Markdown)
		}
	}

	doc := p.Document()
	if !strings.HasPrefix(doc, "# Staff Engineer, ML Platform\n\nSource: "+srv.URL+"/jobs/42") {
		t.Errorf("document header = %q", doc[:min(len(doc), 80)])
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://example.com/job", "/relative", "not a url"} {
		_, err := NewFetcher(time.Second).Fetch(context.Background(), raw)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Fetch(%q) err = %v, want validation error", raw, err)
		}
	}
}

func TestFetchUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestParseEmptyPage(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(`<html><body><script>x()</script></body></html>`), "https://example.com")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}
