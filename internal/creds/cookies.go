package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// Scope identifies whether an artifact belongs to one user or to the shared
// pool.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeUser {
		return "user"
	}
	return "global"
}

// Artifact is a resolved credential: a cookie file a backend can attach to
// its requests.
type Artifact struct {
	Scope Scope
	Path  string
}

// CookieResolver resolves cookie artifacts for an owner with fallback to a
// shared file. Validity checks (existence + non-empty) are cached with a
// short TTL so status polling does not re-stat files.
type CookieResolver struct {
	dir    string // per-user cookie files, <dir>/<owner>.txt
	shared string // shared fallback file
	ttl    time.Duration
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]validity
}

type validity struct {
	valid   bool
	checked time.Time
}

// NewCookieResolver creates a resolver over the given cookie directory and
// shared fallback file. A zero ttl disables caching.
func NewCookieResolver(dir, sharedFile string, ttl time.Duration, logger *log.Logger) *CookieResolver {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &CookieResolver{
		dir:    dir,
		shared: sharedFile,
		ttl:    ttl,
		logger: logger.With("component", "creds"),
		cache:  make(map[string]validity),
	}
}

// Resolve returns the cookie artifact for an owner: the per-user file when
// present and valid, else the shared file, else [shared.ErrNoCredential].
// Backends treat a missing credential as "proceed unauthenticated"; the
// resolver logs the fallback as a warning, not an error.
func (r *CookieResolver) Resolve(owner string) (*Artifact, error) {
	userPath := filepath.Join(r.dir, owner+".txt")
	if r.valid(userPath) {
		return &Artifact{Scope: ScopeUser, Path: userPath}, nil
	}

	if r.shared != "" && r.valid(r.shared) {
		return &Artifact{Scope: ScopeGlobal, Path: r.shared}, nil
	}

	r.logger.Warn("no cookie available, proceeding unauthenticated", "owner", owner)
	return nil, fmt.Errorf("%w: no cookie for owner %s", shared.ErrNoCredential, owner)
}

// valid reports whether path exists and is non-empty, consulting the TTL
// cache first.
func (r *CookieResolver) valid(path string) bool {
	r.mu.Lock()
	if entry, ok := r.cache[path]; ok && r.ttl > 0 && time.Since(entry.checked) < r.ttl {
		r.mu.Unlock()
		return entry.valid
	}
	r.mu.Unlock()

	info, err := os.Stat(path)
	ok := err == nil && !info.IsDir() && info.Size() > 0

	r.mu.Lock()
	r.cache[path] = validity{valid: ok, checked: time.Now()}
	r.mu.Unlock()

	return ok
}

// Invalidate drops the cached validity for an owner's cookie file, forcing a
// re-stat on the next resolve. Used after cookie sync updates a file.
func (r *CookieResolver) Invalidate(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, filepath.Join(r.dir, owner+".txt"))
	delete(r.cache, r.shared)
}
