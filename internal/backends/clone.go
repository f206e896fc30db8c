package backends

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// CloneDownloader fetches cloud-drive shares. The share URL is rewritten to
// the drive's direct-download form and the stream itself is delegated to the
// direct-HTTP machinery, so progress, cancellation, and cleanup behave
// identically.
type CloneDownloader struct {
	http *HTTPDownloader
}

// NewCloneDownloader creates a drive-clone backend on top of an HTTP
// downloader.
func NewCloneDownloader(http *HTTPDownloader) *CloneDownloader {
	return &CloneDownloader{http: http}
}

func (d *CloneDownloader) Kind() models.BackendKind { return models.KindClone }

func (d *CloneDownloader) Start(ctx context.Context, task *models.Task) (Transfer, error) {
	direct, err := directDriveURL(task.Source.Ref)
	if err != nil {
		return nil, err
	}

	cloned := *task
	cloned.Source = models.Source{Kind: models.KindHTTP, Ref: direct}
	return d.http.Start(ctx, &cloned)
}

// driveIDRes match the file-ID component of the drive share URL shapes we
// accept: /file/d/<id>/..., ?id=<id>, and /uc?id=<id>.
var driveIDRes = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
}

// directDriveURL extracts the file ID from a drive share link and returns
// the direct-download endpoint for it.
func directDriveURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrResolution, err)
	}

	for _, re := range driveIDRes {
		if m := re.FindStringSubmatch(ref); m != nil {
			return fmt.Sprintf("https://%s/uc?export=download&id=%s", u.Host, m[1]), nil
		}
	}

	// Folder links have no single file to clone.
	if strings.Contains(u.Path, "/folders/") {
		return "", fmt.Errorf("%w: folder shares are not cloneable, submit a file link", shared.ErrResolution)
	}
	return "", fmt.Errorf("%w: no file id in drive url", shared.ErrResolution)
}
