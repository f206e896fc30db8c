package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/mirrorbot/internal/format"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/urfave/cli/v3"
)

// Mirror submits a source for download and cloud-drive upload, then follows
// it to completion.
func (r *Runner) Mirror(ctx context.Context, cmd *cli.Command) error {
	return r.submitAndFollow(ctx, cmd, models.Destination{
		Kind:   models.DestDrive,
		Target: cmd.String("folder"),
	})
}

// Leech submits a source for download and direct chat delivery.
func (r *Runner) Leech(ctx context.Context, cmd *cli.Command) error {
	return r.submitAndFollow(ctx, cmd, models.Destination{
		Kind:   models.DestChat,
		Target: cmd.String("chat"),
	})
}

// Sync submits a source for download and remote-storage sync.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	return r.submitAndFollow(ctx, cmd, models.Destination{
		Kind:   models.DestRemote,
		Target: cmd.String("remote"),
	})
}

// submitAndFollow submits the reference, streams its events to the output,
// and returns once the task is terminal. Failure states map to a non-nil
// error so the process exit code reflects the outcome.
func (r *Runner) submitAndFollow(ctx context.Context, cmd *cli.Command, dest models.Destination) error {
	ref := cmd.Args().First()
	if ref == "" {
		return fmt.Errorf("a source reference is required")
	}
	owner := cmd.String("owner")

	events, unsubscribe := r.engine.Subscribe()
	defer unsubscribe()

	id, err := r.engine.Submit(ref, dest, owner)
	if err != nil {
		return err
	}

	r.logger.Info("task submitted", "task", id)
	r.writePlain("Task %s submitted\n", id)

	lastState := models.StateQueued
	for {
		select {
		case <-ctx.Done():
			r.engine.Cancel(id)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if ev.TaskID != id {
				continue
			}

			if ev.State != lastState {
				lastState = ev.State
				r.writePlain("→ %s\n", ev.State)
			} else if ev.State.IsActive() {
				r.writePlain("  %s %s %s\n",
					format.Bar(ev.Progress.Percent()),
					format.Speed(ev.Progress.Rate),
					format.ETA(ev.Progress.ETA),
				)
			}

			if ev.State.IsTerminal() {
				return r.reportOutcome(id, cmd.Bool("json"))
			}
		}
	}
}

// reportOutcome prints the terminal summary and converts failure to an
// error.
func (r *Runner) reportOutcome(id string, asJSON bool) error {
	task, err := r.engine.Status(id)
	if err != nil {
		return err
	}

	if asJSON {
		if err := r.writeJSON(taskView(&task), true); err != nil {
			return err
		}
	} else {
		r.writePlainHeader(fmt.Sprintf("Task %s: %s", id, task.State))
		r.writePlain("%s\n", format.TaskSummary(&task))
	}

	switch task.State {
	case models.StateCompleted:
		return nil
	case models.StateCancelled:
		return nil
	default:
		if task.Err != nil {
			return fmt.Errorf("task failed: %s", task.Err.Error())
		}
		return fmt.Errorf("task failed")
	}
}

func transferFlags(targetName, targetUsage string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  targetName,
			Usage: targetUsage,
		},
		&cli.StringFlag{
			Name:    "owner",
			Aliases: []string{"u"},
			Usage:   "Owner identity for ceilings and credentials",
			Value:   "cli",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the final task as JSON",
		},
	}
}

func mirrorCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "mirror",
		Usage:     "Download a source and upload it to a cloud drive folder",
		ArgsUsage: "<url|magnet>",
		Flags:     transferFlags("folder", "Destination drive folder ID"),
		Action:    r.Mirror,
	}
}

func leechCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "leech",
		Usage:     "Download a source and deliver it directly to a chat",
		ArgsUsage: "<url|magnet>",
		Flags:     transferFlags("chat", "Destination chat identifier"),
		Action:    r.Leech,
	}
}

func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Download a source and sync it to a remote storage path",
		ArgsUsage: "<url|magnet>",
		Flags:     transferFlags("remote", "Destination remote:path"),
		Action:    r.Sync,
	}
}
