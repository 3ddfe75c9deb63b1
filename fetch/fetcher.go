// Package fetch retrieves web pages for workflow steps and converts them to
// markdown.
//
// Failures are classified for the step executor: client errors and refused
// destinations are fatal, rate limiting and server errors are retryable (with
// the server's Retry-After hint when present), and transport errors are left
// unclassified so they are retried by default.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/stepflow/step"
)

// Config configures a Fetcher.
type Config struct {
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxContentSize int64         `yaml:"max_content_size"`

	// AllowPrivate disables the SSRF guard and permits plain HTTP. Only for
	// trusted plans and tests.
	AllowPrivate bool `yaml:"allow_private"`
}

// DefaultConfig returns the fetch defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		UserAgent:      "stepflow/1.0",
		MaxContentSize: 10 * 1024 * 1024,
	}
}

// Page is a fetched and converted document.
type Page struct {
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Title       string    `json:"title,omitempty"`
	Markdown    string    `json:"markdown"`
	Size        int       `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Fetcher downloads pages with SSRF protection and converts HTML bodies.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	converter *Converter
	now       func() time.Time
}

// NewFetcher creates a Fetcher. Zero fields in cfg take their defaults.
func NewFetcher(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = def.MaxContentSize
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	if !cfg.AllowPrivate {
		transport.DialContext = guardedDial(dialer)
	}

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects (max 5)")
				}
				if _, err := CheckURL(req.URL.String(), cfg.AllowPrivate); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		converter: NewConverter(),
		now:       time.Now,
	}
}

// guardedDial resolves the host itself and refuses private addresses, so a
// public name cannot be rebound to an internal IP after validation.
func guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}
		for _, ip := range ips {
			if IsPrivateIP(ip.IP) {
				return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, ip.IP)
			}
		}

		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
}

// Fetch downloads rawURL and converts the body to markdown. HTML is converted
// with main-content extraction; text bodies are returned as they are.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := CheckURL(rawURL, f.cfg.AllowPrivate)
	if err != nil {
		return nil, step.NewFatalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, step.NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlocked) {
			return nil, step.NewFatalError(err)
		}
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, f.classify(u.String(), resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxContentSize {
		return nil, step.NewFatalError(fmt.Errorf("content too large (exceeds %d bytes)", f.cfg.MaxContentSize))
	}

	page := &Page{
		URL:         u.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        len(body),
		FetchedAt:   f.now(),
	}

	if isHTML(page.ContentType, body) {
		doc, err := f.converter.Convert(body)
		if err != nil {
			return nil, step.NewFatalError(fmt.Errorf("convert %s: %w", u, err))
		}
		page.Title = doc.Title
		page.Markdown = doc.Markdown
	} else {
		page.Markdown = strings.TrimSpace(string(body))
	}
	return page, nil
}

// classify maps a non-200 response to a step error.
func (f *Fetcher) classify(url string, resp *http.Response) error {
	statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return step.NewRetryableError(statusErr, parseRetryAfter(resp.Header.Get("Retry-After"), f.now()))
	case code >= 500 || code == http.StatusRequestTimeout:
		return step.NewRetryableError(statusErr, 0)
	default:
		return step.NewFatalError(statusErr)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Unparseable or past
// values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return mt == "text/html" || mt == "application/xhtml+xml"
		}
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}
