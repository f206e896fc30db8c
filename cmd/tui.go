package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
	"github.com/desertthunder/mirrorbot/internal/ui"
	"github.com/urfave/cli/v3"
)

// TUI launches the interactive transfer dashboard. References passed as
// arguments are submitted before the dashboard starts, so a one-shot
// `mirrorbot tui --folder X url1 url2` works.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/mirrorbot-tui.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	r.SetLogger(fileLogger)

	owner := cmd.String("owner")
	for _, ref := range cmd.Args().Slice() {
		dest := models.Destination{Kind: models.DestDrive, Target: cmd.String("folder")}
		if cmd.String("chat") != "" {
			dest = models.Destination{Kind: models.DestChat, Target: cmd.String("chat")}
		}
		if _, err := r.engine.Submit(ref, dest, owner); err != nil {
			fileLogger.Warn("submission failed", "ref", ref, "error", err)
		}
	}

	model := ui.NewModel(r.engine, "")
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}

func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "tui",
		Usage:     "Launch the interactive transfer dashboard",
		ArgsUsage: "[url|magnet ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Usage: "Drive folder for submitted references"},
			&cli.StringFlag{Name: "chat", Usage: "Chat destination for submitted references"},
			&cli.StringFlag{Name: "owner", Aliases: []string{"u"}, Usage: "Owner identity", Value: "cli"},
		},
		Action: r.TUI,
	}
}
