// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/desertthunder/mirrorbot/internal/backends"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// FakeTransfer is a scripted test double for [backends.Transfer]. Wait
// blocks until Finish or Cancel is called; Cancel resolves it with an error
// wrapping [shared.ErrCancelled] unless a result was already set.
type FakeTransfer struct {
	mu        sync.Mutex
	progress  models.Progress
	path      string
	done      chan struct{}
	once      sync.Once
	err       error
	cancelled bool
}

// NewFakeTransfer creates an unfinished transfer reporting path.
func NewFakeTransfer(path string) *FakeTransfer {
	return &FakeTransfer{path: path, done: make(chan struct{})}
}

// SetProgress updates the progress snapshot returned by Status.
func (f *FakeTransfer) SetProgress(p models.Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = p
}

// Finish resolves Wait with err.
func (f *FakeTransfer) Finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *FakeTransfer) Status() models.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

func (f *FakeTransfer) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	f.Finish(shared.ErrCancelled)
}

func (f *FakeTransfer) Wait() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *FakeTransfer) Path() string { return f.path }

// Cancelled reports whether Cancel was called.
func (f *FakeTransfer) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// PausableTransfer extends FakeTransfer with the [backends.Pauser]
// capability.
type PausableTransfer struct {
	*FakeTransfer
	mu     sync.Mutex
	paused bool
}

func NewPausableTransfer(path string) *PausableTransfer {
	return &PausableTransfer{FakeTransfer: NewFakeTransfer(path)}
}

func (p *PausableTransfer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *PausableTransfer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *PausableTransfer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// FakeDownloader is a test double for [backends.Downloader]. Each Start call
// pops the next scripted result; when the script runs out it reuses the last
// one.
type FakeDownloader struct {
	mu        sync.Mutex
	kind      models.BackendKind
	transfers []backends.Transfer
	errs      []error
	starts    int
}

// NewFakeDownloader scripts Start results in order. Pass a nil transfer with
// a non-nil error for a failed start.
func NewFakeDownloader(kind models.BackendKind, transfers []backends.Transfer, errs []error) *FakeDownloader {
	return &FakeDownloader{kind: kind, transfers: transfers, errs: errs}
}

func (f *FakeDownloader) Kind() models.BackendKind { return f.kind }

func (f *FakeDownloader) Start(ctx context.Context, task *models.Task) (backends.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.starts
	f.starts++
	if i >= len(f.transfers) {
		i = len(f.transfers) - 1
	}
	if i < 0 {
		return nil, errors.New("fake downloader has no script")
	}
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.transfers[i], nil
}

// Starts returns how many times Start was called.
func (f *FakeDownloader) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// FakeUploader is a test double for [backends.Uploader] with the same
// scripting as FakeDownloader.
type FakeUploader struct {
	mu        sync.Mutex
	kind      models.DestKind
	transfers []backends.Transfer
	errs      []error
	starts    int
	paths     []string
}

func NewFakeUploader(kind models.DestKind, transfers []backends.Transfer, errs []error) *FakeUploader {
	return &FakeUploader{kind: kind, transfers: transfers, errs: errs}
}

func (f *FakeUploader) Kind() models.DestKind { return f.kind }

func (f *FakeUploader) Start(ctx context.Context, task *models.Task, path string) (backends.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = append(f.paths, path)
	i := f.starts
	f.starts++
	if i >= len(f.transfers) {
		i = len(f.transfers) - 1
	}
	if i < 0 {
		return nil, errors.New("fake uploader has no script")
	}
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.transfers[i], nil
}

// Starts returns how many times Start was called.
func (f *FakeUploader) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Paths returns the path argument of each Start call.
func (f *FakeUploader) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading a response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

var _ io.ReadCloser = (*FCloser)(nil)

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
