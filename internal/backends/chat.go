package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// ChatSender delivers a document stream to a chat. The chat transport
// (message formatting, flood control) lives behind this boundary; the
// uploader only needs delivery.
type ChatSender interface {
	SendDocument(ctx context.Context, chat string, r io.Reader, filename, caption string) error
}

// ChatUploader delivers downloaded files directly to the requesting chat,
// splitting anything over the chunk limit into sequential parts.
type ChatUploader struct {
	sender     ChatSender
	chunkBytes int64
	logger     *log.Logger
}

// NewChatUploader creates a chat delivery backend. chunkBytes bounds a
// single document; larger files are sent as name.partNN pieces.
func NewChatUploader(sender ChatSender, chunkBytes int64, logger *log.Logger) *ChatUploader {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &ChatUploader{
		sender:     sender,
		chunkBytes: chunkBytes,
		logger:     logger.With("component", "chat-up"),
	}
}

func (u *ChatUploader) Kind() models.DestKind { return models.DestChat }

func (u *ChatUploader) Start(ctx context.Context, task *models.Task, path string) (Transfer, error) {
	files, total, err := artifactFiles(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &chatTransfer{
		tracker: newTracker(),
		cancel:  cancel,
		done:    make(chan struct{}),
		path:    path,
		files:   files,
	}
	t.tracker.setTotal(total)

	u.logger.Info("chat upload started", "task", task.ID, "files", len(files), "size", total)
	go t.run(ctx, u.sender, task, u.chunkBytes)

	return t, nil
}

type chatTransfer struct {
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

func (t *chatTransfer) run(ctx context.Context, sender ChatSender, task *models.Task, chunkBytes int64) {
	defer close(t.done)

	var err error
	for _, file := range t.files {
		if err = t.sendFile(ctx, sender, task, file, chunkBytes); err != nil {
			break
		}
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

func (t *chatTransfer) sendFile(ctx context.Context, sender ChatSender, task *models.Task, path string, chunkBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: missing download artifact: %v", shared.ErrResolution, err)
	}
	size := info.Size()

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	name := filepath.Base(path)
	caption := task.DisplayName()
	if len(t.files) > 1 {
		caption = name
	}

	if chunkBytes <= 0 || size <= chunkBytes {
		reader := &countingReader{r: file, t: t.tracker}
		if err := sender.SendDocument(ctx, task.Destination.Target, reader, name, caption); err != nil {
			return fmt.Errorf("%w: %v", shared.ErrTransient, err)
		}
		return nil
	}

	parts := (size + chunkBytes - 1) / chunkBytes
	for part := int64(1); part <= parts; part++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		partName := fmt.Sprintf("%s.part%02d", name, part)
		partCaption := fmt.Sprintf("%s (%d/%d)", caption, part, parts)
		reader := &countingReader{r: io.LimitReader(file, chunkBytes), t: t.tracker}

		if err := sender.SendDocument(ctx, task.Destination.Target, reader, partName, partCaption); err != nil {
			return fmt.Errorf("%w: part %d/%d: %v", shared.ErrTransient, part, parts, err)
		}
	}
	return nil
}

func (t *chatTransfer) Status() models.Progress { return t.tracker.snapshot() }

func (t *chatTransfer) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		t.mu.Unlock()
		t.cancel()
	})
}

func (t *chatTransfer) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *chatTransfer) Path() string { return t.path }

// countingReader advances a tracker as bytes are read from it.
type countingReader struct {
	r io.Reader
	t *tracker
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.t.add(int64(n))
	}
	return n, err
}
