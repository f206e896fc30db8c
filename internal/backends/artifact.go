package backends

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/desertthunder/mirrorbot/internal/shared"
)

// partialSuffixes mark control and in-progress files that subprocess tools
// leave next to their output.
var partialSuffixes = []string{".aria2", ".part", ".ytdl", ".tmp"}

func isPartialFile(name string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// artifactFiles expands a download artifact into the regular files an
// uploader should consume. A file path yields itself; a directory yields
// every completed file under it in walk order, with control and partial
// files skipped. An artifact with no files cannot be uploaded.
func artifactFiles(path string) ([]string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: missing download artifact: %v", shared.ErrResolution, err)
	}
	if !info.IsDir() {
		return []string{path}, info.Size(), nil
	}

	var files []string
	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isPartialFile(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, p)
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: unreadable download artifact: %v", shared.ErrResolution, err)
	}
	if len(files) == 0 {
		return nil, 0, fmt.Errorf("%w: download produced no files under %s", shared.ErrResolution, path)
	}
	return files, total, nil
}

// resolveArtifact collapses a subprocess output directory to its single
// completed file when there is exactly one, so downstream consumers see a
// file path like every other download variant. Multi-file outputs keep the
// directory.
func resolveArtifact(dir string) (string, error) {
	files, _, err := artifactFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 1 {
		return files[0], nil
	}
	return dir, nil
}
