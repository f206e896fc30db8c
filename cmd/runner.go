package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mirrorbot/internal/backends"
	"github.com/desertthunder/mirrorbot/internal/creds"
	"github.com/desertthunder/mirrorbot/internal/engine"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/repositories"
	"github.com/desertthunder/mirrorbot/internal/shared"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config  *shared.Config
	engine  *engine.Engine
	db      *sql.DB
	history *repositories.TaskRepository
	cookies *repositories.CookieStore
	logger  *log.Logger
	output  io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config   *shared.Config
	Engine   *engine.Engine
	Database *sql.DB
	Logger   *log.Logger
	Output   io.Writer
}

// NewRunner creates a new Runner with the provided configuration. When no
// engine is supplied one is assembled from the config; when no database is
// supplied the configured one is opened and migrated best effort, so
// history recording degrades to in-memory only rather than failing.
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	r := &Runner{
		config: opts.Config,
		db:     opts.Database,
		logger: opts.Logger,
		output: opts.Output,
	}

	if r.db == nil && opts.Config.Database.Path != "" {
		db, err := shared.NewDatabase(opts.Config.Database.Path)
		if err != nil {
			opts.Logger.Warn("database unavailable, history disabled", "error", err)
		} else if err := shared.RunMigrations(db); err != nil {
			opts.Logger.Warn("migrations failed, history disabled", "error", err)
			db.Close()
		} else {
			shared.ConfigureDatabase(db, opts.Config.Database.MaxOpenConns, opts.Config.Database.MaxIdleConns)
			r.db = db
		}
	}
	if r.db != nil {
		r.history = repositories.NewTaskRepository(r.db)
		r.cookies = repositories.NewCookieStore(r.db)
	}

	r.engine = opts.Engine
	if r.engine == nil {
		var recorder engine.Recorder
		if r.history != nil {
			recorder = r.history
		}
		r.engine = engine.New(engine.Opts{
			Config:   opts.Config,
			Backends: buildBackends(opts.Config, opts.Logger),
			Recorder: recorder,
			Logger:   opts.Logger,
		})
	}

	return r
}

// buildBackends assembles the downloader and uploader sets from config.
func buildBackends(config *shared.Config, logger *log.Logger) engine.Backends {
	cookies := creds.NewCookieResolver(
		config.Credentials.CookieDir,
		config.Credentials.SharedCookie,
		30*time.Second,
		logger,
	)

	dir := config.Transfer.DownloadDir
	httpDL := backends.NewHTTPDownloader(http.DefaultClient, cookies, dir, logger)

	var pool *creds.Pool
	if config.Credentials.UseServiceAccounts {
		loaded, err := creds.LoadPool(config.Credentials.ServiceAccountDir, logger)
		if err != nil {
			logger.Warn("service account pool unavailable", "error", err)
		} else {
			pool = loaded
		}
	}

	sender := &fileSender{base: filepath.Join(dir, "delivered")}

	return engine.Backends{
		Downloaders: map[models.BackendKind]backends.Downloader{
			models.KindHTTP:      httpDL,
			models.KindExtractor: backends.NewExtractorDownloader("", cookies, dir, logger),
			models.KindTorrent:   backends.NewTorrentDownloader("", dir, logger),
			models.KindClone:     backends.NewCloneDownloader(httpDL),
		},
		Uploaders: map[models.DestKind]backends.Uploader{
			models.DestChat:   backends.NewChatUploader(sender, config.Transfer.ChatChunkBytes, logger),
			models.DestDrive:  backends.NewDriveUploader(pool, "", logger),
			models.DestRemote: backends.NewRcloneUploader("", "", logger),
		},
	}
}

// fileSender delivers chat documents into a local directory tree, one
// subdirectory per chat. Stands in for a messaging transport.
type fileSender struct {
	base string
}

func (s *fileSender) SendDocument(ctx context.Context, chat string, r io.Reader, filename, caption string) error {
	dir := filepath.Join(s.base, chat)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create delivery directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return fmt.Errorf("failed to create delivery file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to deliver document: %w", err)
	}
	return nil
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, mirrorCommand, leechCommand, syncCommand,
		statusCommand, listCommand, cancelCommand,
		historyCommand, syncCookieCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// SetLogger swaps the runner and engine logger, used by the TUI to move
// logging off stderr.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
	if r.engine != nil {
		r.engine.SetLogger(logger)
	}
}

// Close releases the engine and database.
func (r *Runner) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
