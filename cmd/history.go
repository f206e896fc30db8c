package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/mirrorbot/internal/format"
	"github.com/urfave/cli/v3"
)

// History lists recorded terminal tasks, most recent first.
func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	if r.history == nil {
		return fmt.Errorf("history database unavailable, run setup first")
	}

	tasks, err := r.history.List(cmd.String("owner"), int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		views := make([]TaskView, len(tasks))
		for i, t := range tasks {
			views[i] = taskView(t)
		}
		return r.writeJSON(views, true)
	}

	if len(tasks) == 0 {
		r.writePlain("No recorded tasks\n")
		return nil
	}

	for _, t := range tasks {
		r.writePlain("%-36s  %-10s %s\n", t.ID, t.State, format.TaskLine(t))
	}
	return nil
}

// PruneHistory deletes all but the most recent recorded tasks.
func (r *Runner) PruneHistory(ctx context.Context, cmd *cli.Command) error {
	if r.history == nil {
		return fmt.Errorf("history database unavailable, run setup first")
	}

	removed, err := r.history.Prune(int(cmd.Int("keep")))
	if err != nil {
		return err
	}
	r.writePlain("Pruned %d task(s)\n", removed)
	return nil
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Inspect recorded terminal tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recorded tasks, most recent first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Aliases: []string{"u"}, Usage: "Filter by owner"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum rows", Value: 20},
					&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
				},
				Action: r.History,
			},
			{
				Name:  "prune",
				Usage: "Delete all but the most recent recorded tasks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "keep", Usage: "Rows to keep", Value: 200},
				},
				Action: r.PruneHistory,
			},
		},
	}
}
