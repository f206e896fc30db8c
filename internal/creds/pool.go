package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

// driveScope is the upload scope requested for pool tokens.
const driveScope = "https://www.googleapis.com/auth/drive"

// Account is one service account in the rotation pool.
type Account struct {
	Email      string
	PrivateKey []byte
	TokenURI   string

	lastUsed  time.Time
	disabled  bool
	quotaUsed int64
}

// accountKey mirrors the fields of a service-account JSON key file.
type accountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Pool rotates upload credentials across independent service accounts so
// quota usage is spread. All state mutation goes through the pool's methods
// and is serialized by its mutex.
type Pool struct {
	logger *log.Logger

	mu       sync.Mutex
	accounts []*Account

	now func() time.Time // overridable in tests
}

// LoadPool reads every *.json key file under dir into a pool. An empty pool
// is an error; the caller decides whether service accounts are enabled at
// all before loading.
func LoadPool(dir string, logger *log.Logger) (*Pool, error) {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account dir: %w", err)
	}

	p := &Pool{logger: logger.With("component", "sa-pool"), now: time.Now}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", entry.Name(), err)
		}

		var key accountKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", entry.Name(), err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, fmt.Errorf("%w: key file %s missing client_email or private_key", shared.ErrInvalidConfig, entry.Name())
		}

		p.accounts = append(p.accounts, &Account{
			Email:      key.ClientEmail,
			PrivateKey: []byte(key.PrivateKey),
			TokenURI:   key.TokenURI,
		})
	}

	if len(p.accounts) == 0 {
		return nil, fmt.Errorf("%w: no service account keys in %s", shared.ErrNoCredential, dir)
	}

	p.logger.Info("loaded service account pool", "accounts", len(p.accounts))
	return p, nil
}

// NewPool builds a pool from pre-constructed accounts. Used by tests and by
// callers that load keys elsewhere.
func NewPool(accounts []*Account, logger *log.Logger) *Pool {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Pool{
		logger:   logger.With("component", "sa-pool"),
		accounts: accounts,
		now:      time.Now,
	}
}

// Next selects the least-recently-used enabled account and marks it used.
// Returns [shared.ErrQuotaExceeded] once every account is disabled.
func (p *Pool) Next() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	enabled := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if !a.disabled {
			enabled = append(enabled, a)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: all %d service accounts disabled", shared.ErrQuotaExceeded, len(p.accounts))
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].lastUsed.Before(enabled[j].lastUsed)
	})

	account := enabled[0]
	account.lastUsed = p.now()
	return account, nil
}

// MarkQuotaExceeded disables the account until the next reset window and
// records the backend-reported usage.
func (p *Pool) MarkQuotaExceeded(email string, usedBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.accounts {
		if a.Email == email {
			a.disabled = true
			a.quotaUsed += usedBytes
			p.logger.Warn("service account disabled for quota", "email", email)
			return
		}
	}
}

// ResetDisabled re-enables every account and clears daily quota counters.
// Called on a fixed schedule external to the orchestrator.
func (p *Pool) ResetDisabled() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.accounts {
		a.disabled = false
		a.quotaUsed = 0
	}
	p.logger.Info("service account pool reset", "accounts", len(p.accounts))
}

// RunResetLoop resets the pool every interval until ctx is done.
func (p *Pool) RunResetLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ResetDisabled()
		}
	}
}

// EnabledCount returns the number of accounts currently usable.
func (p *Pool) EnabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, a := range p.accounts {
		if !a.disabled {
			n++
		}
	}
	return n
}

// Size returns the total number of accounts in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// TokenSource returns an OAuth2 token source for the account, authenticating
// via a signed JWT assertion against the account's token endpoint.
func (p *Pool) TokenSource(ctx context.Context, a *Account) oauth2.TokenSource {
	conf := &jwt.Config{
		Email:      a.Email,
		PrivateKey: a.PrivateKey,
		Scopes:     []string{driveScope},
		TokenURL:   a.TokenURI,
	}
	return conf.TokenSource(ctx)
}
