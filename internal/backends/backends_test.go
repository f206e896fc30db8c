package backends

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/mirrorbot/internal/creds"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

type nopTransfer struct{}

func (nopTransfer) Status() models.Progress { return models.Progress{} }
func (nopTransfer) Cancel()                 {}
func (nopTransfer) Wait() error             { return nil }
func (nopTransfer) Path() string            { return "" }

func TestPauseUnsupported(t *testing.T) {
	if err := Pause(nopTransfer{}); !errors.Is(err, shared.ErrUnsupported) {
		t.Errorf("Pause on a plain transfer should be unsupported, got %v", err)
	}
	if err := Resume(nopTransfer{}); !errors.Is(err, shared.ErrUnsupported) {
		t.Errorf("Resume on a plain transfer should be unsupported, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{206, nil},
		{401, shared.ErrAuth},
		{403, shared.ErrAuth},
		{404, shared.ErrResolution},
		{410, shared.ErrResolution},
		{429, shared.ErrTransient},
		{500, shared.ErrTransient},
		{503, shared.ErrTransient},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.code)
		if tt.want == nil {
			if err != nil {
				t.Errorf("classifyStatus(%d) = %v, want nil", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	t.Run("content disposition wins", func(t *testing.T) {
		resp := &http.Response{Header: http.Header{}}
		resp.Header.Set("Content-Disposition", `attachment; filename="report.pdf"`)
		if got := fileName(resp, "https://example.com/other.bin"); got != "report.pdf" {
			t.Errorf("fileName = %q, want report.pdf", got)
		}
	})

	t.Run("url path fallback", func(t *testing.T) {
		resp := &http.Response{Header: http.Header{}}
		if got := fileName(resp, "https://example.com/files/archive.tar.gz?token=x"); got != "archive.tar.gz" {
			t.Errorf("fileName = %q, want archive.tar.gz", got)
		}
	})

	t.Run("generated fallback", func(t *testing.T) {
		resp := &http.Response{Header: http.Header{}}
		got := fileName(resp, "https://example.com/")
		if !strings.HasPrefix(got, "download-") {
			t.Errorf("fileName = %q, want generated name", got)
		}
	})
}

func TestHTTPDownload(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewHTTPDownloader(nil, nil, dir, nil)

	task := &models.Task{
		ID:     "t1",
		Owner:  "alice",
		Source: models.Source{Kind: models.KindHTTP, Ref: server.URL + "/data.bin"},
	}

	tr, err := d.Start(context.Background(), task)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if tr.Path() != filepath.Join(dir, "data.bin") {
		t.Errorf("unexpected path %s", tr.Path())
	}
	data, err := os.ReadFile(tr.Path())
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if string(data) != payload {
		t.Errorf("output file has %d bytes, want %d", len(data), len(payload))
	}
	if got := tr.Status().Transferred; got != int64(len(payload)) {
		t.Errorf("Transferred = %d, want %d", got, len(payload))
	}
}

func TestHTTPDownloadAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d := NewHTTPDownloader(nil, nil, t.TempDir(), nil)
	task := &models.Task{ID: "t1", Source: models.Source{Kind: models.KindHTTP, Ref: server.URL}}

	if _, err := d.Start(context.Background(), task); !errors.Is(err, shared.ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestHTTPDownloadCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	dir := t.TempDir()
	d := NewHTTPDownloader(nil, nil, dir, nil)
	task := &models.Task{ID: "t1", Source: models.Source{Kind: models.KindHTTP, Ref: server.URL + "/big.bin"}}

	tr, err := d.Start(context.Background(), task)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tr.Cancel()
	tr.Cancel() // idempotent

	if err := tr.Wait(); !errors.Is(err, shared.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, err := os.Stat(tr.Path()); !os.IsNotExist(err) {
		t.Error("partial file should be removed after cancellation")
	}
}

func TestDirectDriveURL(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"file share", "https://drive.example.com/file/d/abc123_X-9/view?usp=sharing", "https://drive.example.com/uc?export=download&id=abc123_X-9"},
		{"open id", "https://drive.example.com/open?id=abc123", "https://drive.example.com/uc?export=download&id=abc123"},
		{"uc id", "https://drive.example.com/uc?id=abc123&export=download", "https://drive.example.com/uc?export=download&id=abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := directDriveURL(tt.ref)
			if err != nil {
				t.Fatalf("directDriveURL failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("directDriveURL = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("folder share fails", func(t *testing.T) {
		_, err := directDriveURL("https://drive.example.com/drive/folders/abc123")
		if !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})

	t.Run("no file id fails", func(t *testing.T) {
		_, err := directDriveURL("https://drive.example.com/share/whatever")
		if !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})
}

func TestParseExtractorLine(t *testing.T) {
	tr := newTracker()
	parseExtractorLine("[youtube] extracting metadata", tr)
	if tr.snapshot().Total != 0 {
		t.Error("non-progress line should not change the tracker")
	}

	parseExtractorLine("[download]  42.5% of 10.00MiB at 1.20MiB/s ETA 00:12", tr)
	got := tr.snapshot()
	if got.Total != 10*1024*1024 {
		t.Errorf("Total = %d, want 10MiB", got.Total)
	}
	pct := 42.5
	wantTransferred := int64(pct / 100 * float64(10*1024*1024))
	if got.Transferred != wantTransferred {
		t.Errorf("Transferred = %d, want %d", got.Transferred, wantTransferred)
	}
	mibps := 1.2
	if got.Rate != int64(mibps*1024*1024) {
		t.Errorf("Rate = %d, want 1.2MiB/s", got.Rate)
	}
}

func TestClassifyExtractorExit(t *testing.T) {
	exitErr := fmt.Errorf("exit status 1")

	tests := []struct {
		name string
		tail string
		want error
	}{
		{"unsupported url", "ERROR: Unsupported URL: https://example.com", shared.ErrResolution},
		{"video unavailable", "ERROR: Video unavailable", shared.ErrResolution},
		{"not found", "ERROR: unable to download: HTTP Error 404", shared.ErrResolution},
		{"sign in wall", "ERROR: Sign in to confirm your age", shared.ErrAuth},
		{"forbidden", "ERROR: unable to download: HTTP Error 403", shared.ErrAuth},
		{"network", "Connection reset by peer", shared.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := classifyExtractorExit(exitErr, tt.tail); !errors.Is(err, tt.want) {
				t.Errorf("classifyExtractorExit = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseAriaLine(t *testing.T) {
	tr := newTracker()
	parseAriaLine("[#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m51s]", tr)

	total, rate := 33.2, 115.7
	got := tr.snapshot()
	if got.Transferred != int64(400*1024) {
		t.Errorf("Transferred = %d, want 400KiB", got.Transferred)
	}
	if got.Total != int64(total*1024*1024) {
		t.Errorf("Total = %d, want 33.2MiB", got.Total)
	}
	if got.Rate != int64(rate*1024) {
		t.Errorf("Rate = %d, want 115.7KiB/s", got.Rate)
	}
}

func TestClassifyAriaExit(t *testing.T) {
	exitErr := fmt.Errorf("exit status 1")

	if err := classifyAriaExit(exitErr, "Exception: No URI to download."); !errors.Is(err, shared.ErrResolution) {
		t.Errorf("dead source should be a resolution error, got %v", err)
	}
	if err := classifyAriaExit(exitErr, "Exception: Failed to parse magnet URI."); !errors.Is(err, shared.ErrResolution) {
		t.Errorf("bad magnet should be a resolution error, got %v", err)
	}
	if err := classifyAriaExit(exitErr, "Timeout while contacting tracker"); !errors.Is(err, shared.ErrTransient) {
		t.Errorf("tracker timeout should be transient, got %v", err)
	}
}

func TestParseRcloneLine(t *testing.T) {
	tr := newTracker()
	parseRcloneLine("10.500 MiB / 100 MiB, 10%, 1.2 MiB/s, ETA 1m2s", tr)

	rate := 1.2
	got := tr.snapshot()
	if got.Transferred != int64(10.5*1024*1024) {
		t.Errorf("Transferred = %d, want 10.5MiB", got.Transferred)
	}
	if got.Total != 100*1024*1024 {
		t.Errorf("Total = %d, want 100MiB", got.Total)
	}
	if got.Rate != int64(rate*1024*1024) {
		t.Errorf("Rate = %d, want 1.2MiB/s", got.Rate)
	}
}

func TestClassifyRcloneExit(t *testing.T) {
	exitErr := fmt.Errorf("exit status 1")

	tests := []struct {
		name string
		tail string
		want error
	}{
		{"unknown remote", `Failed to create file system: didn't find section in config file ("gd")`, shared.ErrResolution},
		{"expired token", "Failed to copy: couldn't fetch token: invalid_grant", shared.ErrAuth},
		{"network", "Failed to copy: connection reset by peer", shared.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := classifyRcloneExit(exitErr, tt.tail); !errors.Is(err, tt.want) {
				t.Errorf("classifyRcloneExit = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRcloneRejectsBarePath(t *testing.T) {
	u := NewRcloneUploader("", "", nil)
	task := &models.Task{ID: "t1", Destination: models.Destination{Kind: models.DestRemote, Target: "no-remote-here"}}

	_, err := u.Start(context.Background(), task, "/tmp/file.bin")
	if !errors.Is(err, shared.ErrResolution) {
		t.Errorf("bare path without a remote should fail resolution, got %v", err)
	}
}

// recordingSender captures every delivered document for assertions.
type recordingSender struct {
	chats    []string
	names    []string
	captions []string
	sizes    []int
	fail     error
}

func (s *recordingSender) SendDocument(ctx context.Context, chat string, r io.Reader, filename, caption string) error {
	if s.fail != nil {
		return s.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.chats = append(s.chats, chat)
	s.names = append(s.names, filename)
	s.captions = append(s.captions, caption)
	s.sizes = append(s.sizes, len(data))
	return nil
}

func chatTask() *models.Task {
	return &models.Task{
		ID:          "t1",
		Owner:       "alice",
		Name:        "report.bin",
		Destination: models.Destination{Kind: models.DestChat, Target: "chat42"},
	}
}

func TestChatUploadSingleDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.bin")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 100)), 0o600); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	u := NewChatUploader(sender, 1024, nil)

	tr, err := u.Start(context.Background(), chatTask(), path)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if len(sender.names) != 1 {
		t.Fatalf("sent %d documents, want 1", len(sender.names))
	}
	if sender.names[0] != "report.bin" || sender.chats[0] != "chat42" {
		t.Errorf("sent %s to %s", sender.names[0], sender.chats[0])
	}
	if sender.sizes[0] != 100 {
		t.Errorf("sent %d bytes, want 100", sender.sizes[0])
	}
	if got := tr.Status(); got.Transferred != 100 || got.Total != 100 {
		t.Errorf("progress = %d/%d, want 100/100", got.Transferred, got.Total)
	}
}

func TestChatUploadChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.bin")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 10)), 0o600); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	u := NewChatUploader(sender, 4, nil)

	tr, err := u.Start(context.Background(), chatTask(), path)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	wantNames := []string{"report.bin.part01", "report.bin.part02", "report.bin.part03"}
	wantSizes := []int{4, 4, 2}
	if len(sender.names) != len(wantNames) {
		t.Fatalf("sent %d parts, want %d", len(sender.names), len(wantNames))
	}
	for i := range wantNames {
		if sender.names[i] != wantNames[i] {
			t.Errorf("part %d name = %q, want %q", i, sender.names[i], wantNames[i])
		}
		if sender.sizes[i] != wantSizes[i] {
			t.Errorf("part %d size = %d, want %d", i, sender.sizes[i], wantSizes[i])
		}
		want := fmt.Sprintf("(%d/%d)", i+1, len(wantNames))
		if !strings.Contains(sender.captions[i], want) {
			t.Errorf("part %d caption %q missing %q", i, sender.captions[i], want)
		}
	}
}

func TestChatUploadFailures(t *testing.T) {
	t.Run("missing artifact", func(t *testing.T) {
		u := NewChatUploader(&recordingSender{}, 0, nil)
		_, err := u.Start(context.Background(), chatTask(), filepath.Join(t.TempDir(), "gone.bin"))
		if !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})

	t.Run("delivery failure is transient", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.bin")
		if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}

		sender := &recordingSender{fail: fmt.Errorf("flood wait")}
		u := NewChatUploader(sender, 0, nil)

		tr, err := u.Start(context.Background(), chatTask(), path)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := tr.Wait(); !errors.Is(err, shared.ErrTransient) {
			t.Errorf("expected ErrTransient, got %v", err)
		}
	})
}

func TestClassifyDriveResponse(t *testing.T) {
	mkResp := func(code int, body string) *http.Response {
		return &http.Response{
			StatusCode: code,
			Body:       io.NopCloser(strings.NewReader(body)),
		}
	}

	tests := []struct {
		name string
		resp *http.Response
		want error
	}{
		{"ok", mkResp(200, `{"id":"f1"}`), nil},
		{"rate limited", mkResp(429, ""), shared.ErrQuotaExceeded},
		{"storage quota", mkResp(403, `{"error":{"errors":[{"reason":"storageQuotaExceeded"}]}}`), shared.ErrQuotaExceeded},
		{"user rate limit", mkResp(403, `{"error":{"errors":[{"reason":"rateLimitExceeded"}]}}`), shared.ErrQuotaExceeded},
		{"bad token", mkResp(401, ""), shared.ErrAuth},
		{"plain forbidden", mkResp(403, `{"error":"insufficient permissions"}`), shared.ErrAuth},
		{"server error", mkResp(503, ""), shared.ErrTransient},
		{"bad request", mkResp(400, ""), shared.ErrResolution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyDriveResponse(tt.resp)
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("classifyDriveResponse = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDriveUploadWithoutPool(t *testing.T) {
	u := NewDriveUploader(nil, "", nil)
	task := &models.Task{ID: "t1", Destination: models.Destination{Kind: models.DestDrive, Target: "folder1"}}

	_, err := u.Start(context.Background(), task, "/tmp/file.bin")
	if !errors.Is(err, shared.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestTracker(t *testing.T) {
	tr := newTracker()
	tr.setTotal(100)
	tr.add(30)
	tr.add(20)

	got := tr.snapshot()
	if got.Transferred != 50 || got.Total != 100 {
		t.Errorf("progress = %d/%d, want 50/100", got.Transferred, got.Total)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	// set never regresses the count.
	tr.set(40)
	if tr.snapshot().Transferred != 50 {
		t.Error("set should not move the count backwards")
	}

	tr.reset()
	got = tr.snapshot()
	if got.Transferred != 0 {
		t.Errorf("Transferred after reset = %d, want 0", got.Transferred)
	}
	if got.Total != 100 {
		t.Errorf("Total after reset = %d, want 100", got.Total)
	}
}

func TestFirstLineMatch(t *testing.T) {
	tail := "WARNING: throttled\nERROR: Video unavailable\ntrailing noise"
	if got := firstLineMatch(tail, "ERROR"); got != "ERROR: Video unavailable" {
		t.Errorf("firstLineMatch = %q", got)
	}
	if got := firstLineMatch("a\nb", "ERROR"); got != "b" {
		t.Errorf("fallback should be the last line, got %q", got)
	}
}

// Guard against progress updates racing teardown: Status stays callable
// while a transfer finishes.
func TestStatusDuringTeardown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "payload")
	}))
	defer server.Close()

	d := NewHTTPDownloader(nil, nil, t.TempDir(), nil)
	task := &models.Task{ID: "t1", Source: models.Source{Kind: models.KindHTTP, Ref: server.URL + "/f.bin"}}

	tr, err := d.Start(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	done := make(chan error, 1)
	go func() { done <- tr.Wait() }()
	for {
		tr.Status()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("transfer did not finish")
		default:
		}
	}
}

func TestArtifactFiles(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "movie.mkv")
		if err := os.WriteFile(path, []byte("abcd"), 0o600); err != nil {
			t.Fatal(err)
		}

		files, total, err := artifactFiles(path)
		if err != nil {
			t.Fatalf("artifactFiles failed: %v", err)
		}
		if len(files) != 1 || files[0] != path || total != 4 {
			t.Errorf("files = %v, total = %d", files, total)
		}
	})

	t.Run("directory skips partial files", func(t *testing.T) {
		dir := t.TempDir()
		sub := filepath.Join(dir, "season1")
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		for name, content := range map[string]string{
			"season1/ep1.mkv":       "aaaa",
			"season1/ep2.mkv":       "bb",
			"season1.torrent.aria2": "control",
			"ep3.mkv.part":          "partial",
		} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
		}

		files, total, err := artifactFiles(dir)
		if err != nil {
			t.Fatalf("artifactFiles failed: %v", err)
		}
		if len(files) != 2 || total != 6 {
			t.Errorf("files = %v, total = %d, want the two episodes", files, total)
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		if _, _, err := artifactFiles(filepath.Join(t.TempDir(), "gone")); !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		if _, _, err := artifactFiles(t.TempDir()); !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})
}

func TestResolveArtifact(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(video, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4.ytdl"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := resolveArtifact(dir)
	if err != nil {
		t.Fatalf("resolveArtifact failed: %v", err)
	}
	if got != video {
		t.Errorf("resolveArtifact = %q, want the downloaded file %q", got, video)
	}

	// A second completed file keeps the directory.
	if err := os.WriteFile(filepath.Join(dir, "audio.m4a"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, err = resolveArtifact(dir); err != nil || got != dir {
		t.Errorf("resolveArtifact = %q, %v, want the directory", got, err)
	}
}

// The subprocess downloaders report only their output directory up front;
// Path must point at the produced file once the process exits so the upload
// phase receives something it can open.
func TestStartProcResolvesOutputDir(t *testing.T) {
	passthrough := func(err error, _ string) error { return err }

	t.Run("single file", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "task1")
		file := filepath.Join(out, "video.mp4")
		cmd := exec.Command("sh", "-c", fmt.Sprintf("mkdir -p %q && printf data > %q", out, file))

		tr, err := startProc(context.Background(), cmd, out, true, nil, passthrough)
		if err != nil {
			t.Fatalf("startProc failed: %v", err)
		}
		if err := tr.Wait(); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if got := tr.Path(); got != file {
			t.Errorf("Path = %q, want %q", got, file)
		}
	})

	t.Run("multiple files keep the directory", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "task2")
		script := fmt.Sprintf("mkdir -p %q && printf a > %q && printf b > %q",
			out, filepath.Join(out, "a.bin"), filepath.Join(out, "b.bin"))
		cmd := exec.Command("sh", "-c", script)

		tr, err := startProc(context.Background(), cmd, out, true, nil, passthrough)
		if err != nil {
			t.Fatalf("startProc failed: %v", err)
		}
		if err := tr.Wait(); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if got := tr.Path(); got != out {
			t.Errorf("Path = %q, want %q", got, out)
		}
	})

	t.Run("no output files", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "task3")
		cmd := exec.Command("sh", "-c", fmt.Sprintf("mkdir -p %q", out))

		tr, err := startProc(context.Background(), cmd, out, true, nil, passthrough)
		if err != nil {
			t.Fatalf("startProc failed: %v", err)
		}
		if err := tr.Wait(); !errors.Is(err, shared.ErrResolution) {
			t.Errorf("expected ErrResolution for an empty output dir, got %v", err)
		}
	})
}

func TestChatUploadDirectoryArtifact(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte("aaaa"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.bin"), []byte("bb"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.bin.aria2"), []byte("control"), 0o600); err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	u := NewChatUploader(sender, 0, nil)

	tr, err := u.Start(context.Background(), chatTask(), dir)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if len(sender.names) != 2 || sender.names[0] != "a.bin" || sender.names[1] != "b.bin" {
		t.Fatalf("delivered %v, want both completed files", sender.names)
	}
	if sender.sizes[0] != 4 || sender.sizes[1] != 2 {
		t.Errorf("sizes = %v", sender.sizes)
	}

	p := tr.Status()
	if p.Transferred != 6 || p.Total != 6 {
		t.Errorf("progress = %d/%d, want 6/6", p.Transferred, p.Total)
	}
}

// testAccountPool builds a pool of n service accounts sharing one key, all
// fetching tokens from tokenURL.
func testAccountPool(t *testing.T, tokenURL string, n int) *creds.Pool {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	accounts := make([]*creds.Account, n)
	for i := range accounts {
		accounts[i] = &creds.Account{
			Email:      fmt.Sprintf("sa%d@example.com", i),
			PrivateKey: pemKey,
			TokenURI:   tokenURL,
		}
	}
	return creds.NewPool(accounts, nil)
}

// newTokenServer issues bearer tokens that echo the requesting account's
// identity, so upload requests can be attributed to an account.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.FormValue("assertion"), ".")
		if len(parts) != 3 {
			http.Error(w, "bad assertion", http.StatusBadRequest)
			return
		}
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			http.Error(w, "bad assertion", http.StatusBadRequest)
			return
		}
		var claims struct {
			Iss string `json:"iss"`
		}
		if err := json.Unmarshal(payload, &claims); err != nil {
			http.Error(w, "bad assertion", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%s","token_type":"Bearer","expires_in":3600}`, claims.Iss)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func driveTask() *models.Task {
	return &models.Task{
		ID:          "t1",
		Owner:       "alice",
		Destination: models.Destination{Kind: models.DestDrive, Target: "folder1"},
	}
}

func TestDriveUploadRotatesOnQuota(t *testing.T) {
	tokens := newTokenServer(t)

	var mu sync.Mutex
	var bearers []string
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)

		mu.Lock()
		bearers = append(bearers, r.Header.Get("Authorization"))
		call := len(bearers)
		mu.Unlock()

		if call == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"errors":[{"reason":"storageQuotaExceeded"}]}}`)
			return
		}
		fmt.Fprint(w, `{"id":"file1"}`)
	}))
	defer upload.Close()

	pool := testAccountPool(t, tokens.URL, 2)
	u := NewDriveUploader(pool, upload.URL, nil)

	path := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	tr, err := u.Start(context.Background(), driveTask(), path)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("upload should succeed on the second account, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bearers) != 2 {
		t.Fatalf("upload attempts = %d, want 2", len(bearers))
	}
	if bearers[0] == "" || bearers[0] == bearers[1] {
		t.Errorf("second attempt should authenticate as a different account: %q then %q", bearers[0], bearers[1])
	}
	if got := pool.EnabledCount(); got != 1 {
		t.Errorf("EnabledCount = %d, want 1 after the quota disable", got)
	}
}

func TestDriveUploadQuotaExhaustion(t *testing.T) {
	tokens := newTokenServer(t)

	var mu sync.Mutex
	var calls int
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)

		mu.Lock()
		calls++
		mu.Unlock()

		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"errors":[{"reason":"storageQuotaExceeded"}]}}`)
	}))
	defer upload.Close()

	pool := testAccountPool(t, tokens.URL, 2)
	u := NewDriveUploader(pool, upload.URL, nil)

	path := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	tr, err := u.Start(context.Background(), driveTask(), path)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tr.Wait(); !errors.Is(err, shared.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded once every account is spent, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("upload attempts = %d, want one per account", calls)
	}
	if got := pool.EnabledCount(); got != 0 {
		t.Errorf("EnabledCount = %d, want 0", got)
	}
}
