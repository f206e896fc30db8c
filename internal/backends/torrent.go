package backends

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// TorrentDownloader fetches magnet links and .torrent URLs through an aria2c
// subprocess. It is the one download variant that supports pause: the
// process group is suspended and resumed with job-control signals.
type TorrentDownloader struct {
	binary string
	dir    string
	logger *log.Logger
}

// NewTorrentDownloader creates a torrent backend writing into dir. binary
// defaults to "aria2c".
func NewTorrentDownloader(binary, dir string, logger *log.Logger) *TorrentDownloader {
	if binary == "" {
		binary = "aria2c"
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &TorrentDownloader{
		binary: binary,
		dir:    dir,
		logger: logger.With("component", "torrent-dl"),
	}
}

func (d *TorrentDownloader) Kind() models.BackendKind { return models.KindTorrent }

func (d *TorrentDownloader) Start(ctx context.Context, task *models.Task) (Transfer, error) {
	outDir := filepath.Join(d.dir, task.ID)

	cmd := exec.Command(d.binary,
		"--seed-time=0",
		"--summary-interval=1",
		"--console-log-level=warn",
		"--dir", outDir,
		task.Source.Ref,
	)
	d.logger.Info("torrent started", "task", task.ID)

	proc, err := startProc(ctx, cmd, outDir, true, parseAriaLine, classifyAriaExit)
	if err != nil {
		return nil, err
	}
	return &torrentTransfer{procTransfer: proc}, nil
}

// torrentTransfer adds the pause capability on top of the shared subprocess
// transfer.
type torrentTransfer struct {
	*procTransfer
}

func (t *torrentTransfer) Pause() error {
	return t.signal(syscall.SIGSTOP, true)
}

func (t *torrentTransfer) Resume() error {
	return t.signal(syscall.SIGCONT, false)
}

// ariaSummaryRe matches aria2c summary lines, e.g.
// "[#2089b0 400.0KiB/33.2MiB(1%) CN:1 DL:115.7KiB ETA:4m51s]".
var ariaSummaryRe = regexp.MustCompile(`\[#\w+\s+([\d.]+)(KiB|MiB|GiB|B)/([\d.]+)(KiB|MiB|GiB|B)\(\d+%\).*?DL:([\d.]+)(KiB|MiB|GiB|B)`)

func parseAriaLine(line string, t *tracker) {
	m := ariaSummaryRe.FindStringSubmatch(line)
	if m == nil {
		return
	}

	t.set(unitBytes(m[1], m[2]))
	t.setTotal(unitBytes(m[3], m[4]))
	t.setRate(unitBytes(m[5], m[6]))
}

// classifyAriaExit maps aria2c failures. Unreadable metadata or a dead
// magnet is a source problem; everything else (tracker timeouts, peer
// starvation) is worth retrying.
func classifyAriaExit(err error, tail string) error {
	lower := strings.ToLower(tail)
	if strings.Contains(lower, "no uri to download") ||
		strings.Contains(lower, "unrecognized uri") ||
		strings.Contains(lower, "failed to parse magnet") {
		return fmt.Errorf("%w: %s", shared.ErrResolution, firstLineMatch(tail, "Exception"))
	}
	return fmt.Errorf("%w: %v", shared.ErrTransient, err)
}
