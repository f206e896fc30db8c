package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"
)

// SyncCookie pushes a cookie file into the database store. Unchanged files
// are detected by hash and skipped.
func (r *Runner) SyncCookie(ctx context.Context, cmd *cli.Command) error {
	if r.cookies == nil {
		return fmt.Errorf("cookie store unavailable, run setup first")
	}

	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("a cookie file path is required")
	}

	owner := cmd.String("owner")
	if owner == "" {
		// Derive the owner from "<owner>.txt".
		base := filepath.Base(path)
		owner = base[:len(base)-len(filepath.Ext(base))]
	}

	updated, err := r.cookies.Sync(owner, path)
	if err != nil {
		return err
	}

	if updated {
		r.logger.Info("cookie synced", "owner", owner, "path", path)
		r.writePlain("Cookie for %s synced\n", owner)
	} else {
		r.writePlain("Cookie for %s already up to date\n", owner)
	}
	return nil
}

// ListCookies prints the owners with a stored cookie jar.
func (r *Runner) ListCookies(ctx context.Context, cmd *cli.Command) error {
	if r.cookies == nil {
		return fmt.Errorf("cookie store unavailable, run setup first")
	}

	owners, err := r.cookies.List()
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		r.writePlain("No stored cookies\n")
		return nil
	}
	for _, owner := range owners {
		r.writePlain("%s\n", owner)
	}
	return nil
}

// DeleteCookie removes an owner's stored cookie jar.
func (r *Runner) DeleteCookie(ctx context.Context, cmd *cli.Command) error {
	if r.cookies == nil {
		return fmt.Errorf("cookie store unavailable, run setup first")
	}

	owner := cmd.Args().First()
	if owner == "" {
		return fmt.Errorf("an owner is required")
	}

	if err := r.cookies.Delete(owner); err != nil {
		return err
	}
	r.writePlain("Cookie for %s deleted\n", owner)
	return nil
}

// RestoreCookies writes every stored cookie jar back into the configured
// cookie directory.
func (r *Runner) RestoreCookies(ctx context.Context, cmd *cli.Command) error {
	if r.cookies == nil {
		return fmt.Errorf("cookie store unavailable, run setup first")
	}

	written, err := r.cookies.Restore(r.config.Credentials.CookieDir)
	if err != nil {
		return err
	}
	r.writePlain("Restored %d cookie file(s) to %s\n", written, r.config.Credentials.CookieDir)
	return nil
}

func syncCookieCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "synccookie",
		Usage: "Manage cookie jars in the database store",
		Commands: []*cli.Command{
			{
				Name:      "push",
				Usage:     "Sync a cookie file into the store",
				ArgsUsage: "<cookie-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Aliases: []string{"u"}, Usage: "Owner (defaults to file name)"},
				},
				Action: r.SyncCookie,
			},
			{
				Name:   "list",
				Usage:  "List owners with stored cookies",
				Action: r.ListCookies,
			},
			{
				Name:      "delete",
				Usage:     "Delete an owner's stored cookie",
				ArgsUsage: "<owner>",
				Action:    r.DeleteCookie,
			},
			{
				Name:   "restore",
				Usage:  "Write stored cookies back to the cookie directory",
				Action: r.RestoreCookies,
			},
		},
	}
}
