package backends

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/creds"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// ExtractorDownloader fetches video-site references through a yt-dlp
// subprocess, passing the owner's cookie file when one resolves.
type ExtractorDownloader struct {
	binary  string
	cookies *creds.CookieResolver
	dir     string
	logger  *log.Logger
}

// NewExtractorDownloader creates an extractor backend writing into dir.
// binary defaults to "yt-dlp".
func NewExtractorDownloader(binary string, cookies *creds.CookieResolver, dir string, logger *log.Logger) *ExtractorDownloader {
	if binary == "" {
		binary = "yt-dlp"
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &ExtractorDownloader{
		binary:  binary,
		cookies: cookies,
		dir:     dir,
		logger:  logger.With("component", "extractor-dl"),
	}
}

func (d *ExtractorDownloader) Kind() models.BackendKind { return models.KindExtractor }

func (d *ExtractorDownloader) Start(ctx context.Context, task *models.Task) (Transfer, error) {
	outDir := filepath.Join(d.dir, task.ID)

	args := []string{
		"--newline",
		"--no-playlist",
		"--restrict-filenames",
		"-o", filepath.Join(outDir, "%(title)s.%(ext)s"),
	}
	if d.cookies != nil {
		if artifact, err := d.cookies.Resolve(task.Owner); err == nil {
			args = append(args, "--cookies", artifact.Path)
		}
	}
	args = append(args, task.Source.Ref)

	cmd := exec.Command(d.binary, args...)
	d.logger.Info("extractor started", "task", task.ID, "ref", task.Source.Ref)

	return startProc(ctx, cmd, outDir, true, parseExtractorLine, classifyExtractorExit)
}

// extractorProgressRe matches yt-dlp --newline progress lines, e.g.
// "[download]  42.5% of 10.00MiB at 1.20MiB/s ETA 00:12".
var extractorProgressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)% of ~?\s*([\d.]+)(KiB|MiB|GiB|B)(?: at\s+([\d.]+)(KiB|MiB|GiB|B)/s)?`)

func parseExtractorLine(line string, t *tracker) {
	m := extractorProgressRe.FindStringSubmatch(line)
	if m == nil {
		return
	}

	pct, _ := strconv.ParseFloat(m[1], 64)
	total := unitBytes(m[2], m[3])
	if total > 0 {
		t.setTotal(total)
		t.set(int64(pct / 100 * float64(total)))
	}
	if m[4] != "" {
		t.setRate(unitBytes(m[4], m[5]))
	}
}

// classifyExtractorExit maps yt-dlp failures: unsupported or missing videos
// are source problems, sign-in walls are auth problems, everything else is
// assumed transient (network hiccups, throttling).
func classifyExtractorExit(err error, tail string) error {
	lower := strings.ToLower(tail)
	switch {
	case strings.Contains(lower, "unsupported url"),
		strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "http error 404"):
		return fmt.Errorf("%w: %s", shared.ErrResolution, firstLineMatch(tail, "ERROR"))
	case strings.Contains(lower, "sign in"),
		strings.Contains(lower, "login required"),
		strings.Contains(lower, "http error 403"):
		return fmt.Errorf("%w: %s", shared.ErrAuth, firstLineMatch(tail, "ERROR"))
	default:
		return fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}
}

// unitBytes converts a value with a binary unit suffix to bytes.
func unitBytes(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "KiB":
		v *= 1024
	case "MiB":
		v *= 1024 * 1024
	case "GiB":
		v *= 1024 * 1024 * 1024
	}
	return int64(v)
}

// firstLineMatch returns the first output line containing marker, or the
// last line when none match.
func firstLineMatch(tail, marker string) string {
	lines := strings.Split(tail, "\n")
	for _, line := range lines {
		if strings.Contains(line, marker) {
			return strings.TrimSpace(line)
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return ""
}
