package backends

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/creds"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// HTTPDownloader fetches direct links over HTTP(S), attaching an owner
// cookie when one resolves.
type HTTPDownloader struct {
	client  *http.Client
	cookies *creds.CookieResolver
	dir     string
	logger  *log.Logger
}

// NewHTTPDownloader creates a direct-HTTP download backend writing into dir.
func NewHTTPDownloader(client *http.Client, cookies *creds.CookieResolver, dir string, logger *log.Logger) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &HTTPDownloader{
		client:  client,
		cookies: cookies,
		dir:     dir,
		logger:  logger.With("component", "http-dl"),
	}
}

func (d *HTTPDownloader) Kind() models.BackendKind { return models.KindHTTP }

// Start issues the request and begins streaming the body to disk. Errors are
// classified here, at the point of occurrence: connection failures and 5xx
// or 429 responses are transient, 401/403 is an auth failure, anything else
// in the 4xx range means the source itself is bad.
func (d *HTTPDownloader) Start(ctx context.Context, task *models.Task) (Transfer, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Source.Ref, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", shared.ErrResolution, err)
	}

	if d.cookies != nil {
		if artifact, err := d.cookies.Resolve(task.Owner); err == nil {
			if cookie, err := os.ReadFile(artifact.Path); err == nil {
				req.Header.Set("Cookie", strings.TrimSpace(string(cookie)))
			}
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	name := fileName(resp, task.Source.Ref)
	outPath := filepath.Join(d.dir, name)
	out, err := os.Create(outPath)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	t := &httpTransfer{
		tracker: newTracker(),
		cancel:  cancel,
		done:    make(chan struct{}),
		path:    outPath,
	}
	if resp.ContentLength > 0 {
		t.tracker.setTotal(resp.ContentLength)
	}

	d.logger.Info("download started", "task", task.ID, "file", name)
	go t.run(ctx, resp.Body, out)

	return t, nil
}

// httpTransfer streams a response body to disk. Cancellation propagates
// through the request context; partial files are removed on failure.
type httpTransfer struct {
	tracker *tracker
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
	path    string

	mu        sync.Mutex
	err       error
	cancelled bool
}

func (t *httpTransfer) run(ctx context.Context, body io.ReadCloser, out *os.File) {
	defer close(t.done)
	defer body.Close()

	_, err := io.Copy(io.MultiWriter(out, &countingWriter{t.tracker}), body)
	closeErr := out.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.cancelled || ctx.Err() != nil:
		os.Remove(t.path)
		t.err = fmt.Errorf("%w: download aborted", shared.ErrCancelled)
	case err != nil:
		os.Remove(t.path)
		t.err = fmt.Errorf("%w: %v", shared.ErrTransient, err)
	case closeErr != nil:
		os.Remove(t.path)
		t.err = fmt.Errorf("failed to finalize file: %w", closeErr)
	}
}

func (t *httpTransfer) Status() models.Progress { return t.tracker.snapshot() }

func (t *httpTransfer) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		t.mu.Unlock()
		t.cancel()
	})
}

func (t *httpTransfer) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *httpTransfer) Path() string { return t.path }

// classifyStatus maps an HTTP response code to the error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", shared.ErrAuth, code)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrTransient, code)
	default:
		return fmt.Errorf("%w: status %d", shared.ErrResolution, code)
	}
}

// fileName derives an output name from the Content-Disposition header, then
// the URL path, then a generated fallback.
func fileName(resp *http.Response, ref string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return filepath.Base(name)
			}
		}
	}

	if u, err := url.Parse(ref); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}

	return "download-" + shared.GenerateID()
}
