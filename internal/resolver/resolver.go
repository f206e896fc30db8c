// package resolver classifies raw input references into backend kinds.
//
// Classification is a pure function over the reference string: an ordered
// rule list where the first match wins. It never touches the network.
package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// magnetRe matches BitTorrent magnet links carrying a btih info-hash.
var magnetRe = regexp.MustCompile(`^magnet:\?xt=urn:(btih|btmh):[a-zA-Z0-9]+`)

// extractorHosts are video sites handled by the extractor backend.
var extractorHosts = []string{
	"youtube.com",
	"youtu.be",
	"vimeo.com",
	"dailymotion.com",
	"twitch.tv",
	"soundcloud.com",
}

// cloneHosts are cloud-drive shares handled by the server-side clone backend.
var cloneHosts = []string{
	"drive.google.com",
	"docs.google.com",
}

// Classify resolves a reference string to the backend kind that will download
// it. Rules are applied in order: magnet syntax, torrent file URL, extractor
// site, cloud-drive share, then direct HTTP as the default for any remaining
// well-formed URL. Anything else fails with [shared.ErrResolution].
func Classify(ref string) (models.BackendKind, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.KindUnknown, fmt.Errorf("%w: empty reference", shared.ErrResolution)
	}

	if magnetRe.MatchString(ref) {
		return models.KindTorrent, nil
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.KindUnknown, fmt.Errorf("%w: %q is not a magnet link or http(s) url", shared.ErrResolution, ref)
	}

	if strings.HasSuffix(strings.ToLower(u.Path), ".torrent") {
		return models.KindTorrent, nil
	}

	host := strings.ToLower(u.Hostname())
	if matchHost(host, extractorHosts) {
		return models.KindExtractor, nil
	}
	if matchHost(host, cloneHosts) {
		return models.KindClone, nil
	}

	return models.KindHTTP, nil
}

// matchHost reports whether host equals or is a subdomain of any candidate.
func matchHost(host string, candidates []string) bool {
	for _, c := range candidates {
		if host == c || strings.HasSuffix(host, "."+c) {
			return true
		}
	}
	return false
}
