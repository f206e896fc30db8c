package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/creds"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
	"golang.org/x/oauth2"
)

const defaultUploadBase = "https://www.googleapis.com/upload/drive/v3"

// DriveUploader uploads files to a cloud drive folder, rotating through the
// service-account pool on quota errors. A quota failure disables the
// offending account and the upload retries once per remaining account
// before giving up.
type DriveUploader struct {
	pool    *creds.Pool
	baseURL string
	logger  *log.Logger
}

// NewDriveUploader creates a drive upload backend over the given pool.
// baseURL overrides the upload endpoint in tests; empty means production.
func NewDriveUploader(pool *creds.Pool, baseURL string, logger *log.Logger) *DriveUploader {
	if baseURL == "" {
		baseURL = defaultUploadBase
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &DriveUploader{
		pool:    pool,
		baseURL: baseURL,
		logger:  logger.With("component", "drive-up"),
	}
}

func (u *DriveUploader) Kind() models.DestKind { return models.DestDrive }

func (u *DriveUploader) Start(ctx context.Context, task *models.Task, path string) (Transfer, error) {
	if u.pool == nil {
		return nil, fmt.Errorf("%w: no service account pool configured", shared.ErrNoCredential)
	}

	files, total, err := artifactFiles(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &driveTransfer{
		tracker: newTracker(),
		cancel:  cancel,
		done:    make(chan struct{}),
		path:    path,
		files:   files,
	}
	t.tracker.setTotal(total)

	u.logger.Info("drive upload started", "task", task.ID, "folder", task.Destination.Target, "files", len(files), "size", total)
	go t.run(ctx, u, task, total)

	return t, nil
}

type driveTransfer struct {
	tracker *tracker
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
	path    string
	files   []string

	mu        sync.Mutex
	err       error
	cancelled bool
}

func (t *driveTransfer) run(ctx context.Context, u *DriveUploader, task *models.Task, size int64) {
	defer close(t.done)

	// Rotation loop: one attempt per available account, per the pool's
	// quota policy.
	var err error
	for {
		var account *creds.Account
		account, err = u.pool.Next()
		if err != nil {
			break
		}

		t.tracker.reset()
		err = t.attempt(ctx, u, task, account)
		if err == nil || ctx.Err() != nil {
			break
		}
		if !errors.Is(err, shared.ErrQuotaExceeded) {
			break
		}

		u.pool.MarkQuotaExceeded(account.Email, size)
		u.logger.Warn("rotating service account after quota error", "task", task.ID, "account", account.Email)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.cancelled || ctx.Err() != nil:
		t.err = fmt.Errorf("%w: upload aborted", shared.ErrCancelled)
	case err != nil:
		t.err = err
	}
}

// attempt uploads every artifact file with one account's credentials. A
// rotation restarts from the first file; re-uploading under a fresh account
// is the at-least-once tradeoff.
func (t *driveTransfer) attempt(ctx context.Context, u *DriveUploader, task *models.Task, account *creds.Account) error {
	for _, file := range t.files {
		if err := t.uploadFile(ctx, u, task, account, file); err != nil {
			return err
		}
	}
	return nil
}

// uploadFile performs one multipart upload.
func (t *driveTransfer) uploadFile(ctx context.Context, u *DriveUploader, task *models.Task, account *creds.Account, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		meta := map[string]any{"name": filepath.Base(path)}
		if task.Destination.Target != "" {
			meta["parents"] = []string{task.Destination.Target}
		}

		metaHeader := textproto.MIMEHeader{}
		metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
		part, err := writer.CreatePart(metaHeader)
		if err == nil {
			err = json.NewEncoder(part).Encode(meta)
		}
		if err == nil {
			var media io.Writer
			mediaHeader := textproto.MIMEHeader{}
			mediaHeader.Set("Content-Type", "application/octet-stream")
			media, err = writer.CreatePart(mediaHeader)
			if err == nil {
				_, err = io.Copy(media, &countingReader{r: file, t: t.tracker})
			}
		}
		if err == nil {
			err = writer.Close()
		}
		pw.CloseWithError(err)
	}()

	url := u.baseURL + "/files?uploadType=multipart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	client := oauth2.NewClient(ctx, u.pool.TokenSource(ctx, account))
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}
	defer resp.Body.Close()

	return classifyDriveResponse(resp)
}

// classifyDriveResponse maps the drive API response to the taxonomy. Quota
// signals (403 with a quota reason, 429) trigger pool rotation; other 4xx
// are credential problems.
func classifyDriveResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	lower := strings.ToLower(string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && strings.Contains(lower, "quota"),
		strings.Contains(lower, "storagequotaexceeded"),
		strings.Contains(lower, "ratelimitexceeded"):
		return fmt.Errorf("%w: status %d", shared.ErrQuotaExceeded, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", shared.ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d", shared.ErrResolution, resp.StatusCode)
	}
}

func (t *driveTransfer) Status() models.Progress { return t.tracker.snapshot() }

func (t *driveTransfer) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		t.mu.Unlock()
		t.cancel()
	})
}

func (t *driveTransfer) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *driveTransfer) Path() string { return t.path }
