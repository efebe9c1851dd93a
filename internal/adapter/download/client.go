// Package download fetches task artifacts (samples, captures, reports) from
// the sandbox's HTTP content endpoints.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"anyrun/internal/domain"
	"anyrun/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// maxJSONSize bounds report bodies read into memory.
const maxJSONSize = 16 << 20

// Client downloads artifacts. Requests pass through a circuit breaker so a
// failing content host fails fast instead of being hammered.
type Client struct {
	contentURL string
	appURL     string
	userAgent  string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     *slog.Logger
}

// New creates a Client from cfg. userAgent is sent with every request.
func New(cfg config.DownloadConfig, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "download:" + cfg.ContentURL,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A canceled caller says nothing about the host.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		contentURL: strings.TrimRight(cfg.ContentURL, "/"),
		appURL:     strings.TrimRight(cfg.AppURL, "/"),
		userAgent:  userAgent,
		http:       &http.Client{Timeout: cfg.Timeout},
		breaker:    cb,
		logger:     logger,
	}
}

// DownloadFile saves the main object of a task into dest and returns the
// written path.
func (c *Client) DownloadFile(ctx context.Context, taskUUID, objectUUID, token, dest string) (string, error) {
	u := fmt.Sprintf("%s/tasks/%s/download/files/%s", c.contentURL, url.PathEscape(taskUUID), url.PathEscape(objectUUID))
	return c.save(ctx, u, taskUUID, token, dest, objectUUID)
}

// DownloadPcap saves the network capture of a task into dest.
func (c *Client) DownloadPcap(ctx context.Context, taskUUID, token, dest string) (string, error) {
	u := fmt.Sprintf("%s/tasks/%s/download/pcap", c.contentURL, url.PathEscape(taskUUID))
	return c.save(ctx, u, taskUUID, token, dest, taskUUID+".pcap")
}

// FetchJSON GETs rawURL and returns the body, which must be valid JSON.
func (c *Client) FetchJSON(ctx context.Context, rawURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrDownload, rawURL, err)
	}
	if len(body) > maxJSONSize {
		return nil, fmt.Errorf("%w: %s: body exceeds %d bytes", domain.ErrDownload, rawURL, maxJSONSize)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: response is not JSON", domain.ErrDecode, rawURL)
	}
	return body, nil
}

func (c *Client) save(ctx context.Context, rawURL, taskUUID, token, dest, fallbackName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	req.Header.Set("Referer", fmt.Sprintf("%s/tasks/%s/", c.appURL, url.PathEscape(taskUUID)))
	req.Header.Set("User-Agent", c.userAgent)
	for _, ck := range sessionCookies(token) {
		req.AddCookie(ck)
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	name := attachmentName(resp.Header.Get("Content-Disposition"), fallbackName)
	path, n, err := writeAtomic(dest, name, resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrDownload, rawURL, err)
	}
	c.logger.Info("downloaded", "task", taskUUID, "path", path, "bytes", n)
	return path, nil
}

// do runs req through the breaker. Non-2xx responses count as failures and
// are closed here.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	target := req.URL.String()
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("http %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: circuit open: %w", domain.ErrDownload, target, err)
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w: %w", domain.ErrDownload, domain.ErrTimeout, err)
			}
			return nil, fmt.Errorf("%w: %w: %w", domain.ErrDownload, domain.ErrCanceled, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDownload, target, err)
	}
	return resp, nil
}

// attachmentName returns the Content-Disposition filename reduced to a bare
// file name, or fallback reduced the same way.
func attachmentName(header, fallback string) string {
	fallback = bareName(fallback, "download")
	if header == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallback
	}
	return bareName(params["filename"], fallback)
}

// bareName strips any directory part from name. Names that reduce to
// nothing yield def.
func bareName(name, def string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if name == "/" || name == "." || name == ".." || name == "" {
		return def
	}
	return name
}

// writeAtomic streams r into dest/name through a temporary file.
func writeAtomic(dest, name string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dest, ".anyrun-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	path := filepath.Join(dest, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return path, n, nil
}

// sessionCookies returns the cookies the content host expects from a
// browser session, carrying the login token.
func sessionCookies(token string) []*http.Cookie {
	cfduid := sha256.Sum256([]byte(randomDigits(10)))
	return []*http.Cookie{
		{Name: "__cfduid", Value: hex.EncodeToString(cfduid[:])},
		{Name: "_ga", Value: analyticsID()},
		{Name: "_gid", Value: analyticsID()},
		{Name: "tokenLogin", Value: token},
	}
}

func analyticsID() string {
	return fmt.Sprintf("GA1.2.%s.%d", randomDigits(10), time.Now().Unix())
}

func randomDigits(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
