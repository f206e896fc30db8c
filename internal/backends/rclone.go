package backends

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// RcloneUploader syncs downloaded files to a remote-storage path through an
// rclone subprocess.
type RcloneUploader struct {
	binary     string
	configPath string
	logger     *log.Logger
}

// NewRcloneUploader creates a remote-sync backend. binary defaults to
// "rclone"; configPath is optional and passed through when set.
func NewRcloneUploader(binary, configPath string, logger *log.Logger) *RcloneUploader {
	if binary == "" {
		binary = "rclone"
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &RcloneUploader{
		binary:     binary,
		configPath: configPath,
		logger:     logger.With("component", "rclone-up"),
	}
}

func (u *RcloneUploader) Kind() models.DestKind { return models.DestRemote }

func (u *RcloneUploader) Start(ctx context.Context, task *models.Task, path string) (Transfer, error) {
	remote := task.Destination.Target
	if !strings.Contains(remote, ":") {
		return nil, fmt.Errorf("%w: remote path %q must be remote:path", shared.ErrResolution, remote)
	}

	dest := remote
	if strings.HasSuffix(remote, "/") || strings.HasSuffix(remote, ":") {
		dest = remote + filepath.Base(path)
	}

	args := []string{"copyto", "--stats", "1s", "--stats-one-line", "-v"}
	if u.configPath != "" {
		args = append(args, "--config", u.configPath)
	}
	args = append(args, path, dest)

	cmd := exec.Command(u.binary, args...)
	u.logger.Info("rclone upload started", "task", task.ID, "dest", dest)

	return startProc(ctx, cmd, path, false, parseRcloneLine, classifyRcloneExit)
}

// rcloneStatsRe matches one-line stats output, e.g.
// "10.500 MiB / 100 MiB, 10%, 1.2 MiB/s, ETA 1m2s".
var rcloneStatsRe = regexp.MustCompile(`([\d.]+)\s*(KiB|MiB|GiB|B) / ([\d.]+)\s*(KiB|MiB|GiB|B), \d+%, ([\d.]+)\s*(KiB|MiB|GiB|B)/s`)

func parseRcloneLine(line string, t *tracker) {
	m := rcloneStatsRe.FindStringSubmatch(line)
	if m == nil {
		return
	}

	t.set(unitBytes(m[1], m[2]))
	t.setTotal(unitBytes(m[3], m[4]))
	t.setRate(unitBytes(m[5], m[6]))
}

// classifyRcloneExit maps rclone failures: unknown remotes are destination
// problems, token errors are auth problems, the rest is retried.
func classifyRcloneExit(err error, tail string) error {
	lower := strings.ToLower(tail)
	switch {
	case strings.Contains(lower, "didn't find section in config file"),
		strings.Contains(lower, "config file not found"):
		return fmt.Errorf("%w: %s", shared.ErrResolution, firstLineMatch(tail, "Failed"))
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "couldn't fetch token"),
		strings.Contains(lower, "invalid_grant"):
		return fmt.Errorf("%w: %s", shared.ErrAuth, firstLineMatch(tail, "Failed"))
	default:
		return fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}
}
