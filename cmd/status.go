package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/mirrorbot/internal/format"
	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
	"github.com/urfave/cli/v3"
)

// TaskView is the JSON shape for a task in CLI output.
type TaskView struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Name        string     `json:"name,omitempty"`
	Source      string     `json:"source"`
	SourceKind  string     `json:"source_kind"`
	DestKind    string     `json:"dest_kind"`
	DestTarget  string     `json:"dest_target,omitempty"`
	State       string     `json:"state"`
	Transferred int64      `json:"transferred"`
	Total       int64      `json:"total"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func taskView(t *models.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		Owner:       t.Owner,
		Name:        t.Name,
		Source:      t.Source.Ref,
		SourceKind:  t.Source.Kind.String(),
		DestKind:    t.Destination.Kind.String(),
		DestTarget:  t.Destination.Target,
		State:       t.State.String(),
		Transferred: t.Progress.Transferred,
		Total:       t.Progress.Total,
		Attempts:    t.Attempt,
		CreatedAt:   t.CreatedAt,
	}
	if t.Err != nil {
		v.Error = t.Err.Error()
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}

// Status prints one task's current snapshot, falling back to recorded
// history for tasks evicted from memory.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("a task id is required")
	}

	task, err := r.engine.Status(id)
	if err != nil {
		if !errors.Is(err, shared.ErrTaskNotFound) || r.history == nil {
			return err
		}
		recorded, herr := r.history.Get(id)
		if herr != nil {
			return err
		}
		task = *recorded
	}

	if cmd.Bool("json") {
		return r.writeJSON(taskView(&task), true)
	}

	r.writePlain("%s  %s\n", task.State, format.TaskSummary(&task))
	return nil
}

// ListTasks prints every known live task, optionally filtered by owner.
func (r *Runner) ListTasks(ctx context.Context, cmd *cli.Command) error {
	tasks := r.engine.List(cmd.String("owner"))

	if cmd.Bool("json") {
		views := make([]TaskView, len(tasks))
		for i := range tasks {
			views[i] = taskView(&tasks[i])
		}
		return r.writeJSON(views, true)
	}

	if len(tasks) == 0 {
		r.writePlain("No tasks\n")
		return nil
	}

	for i := range tasks {
		t := &tasks[i]
		r.writePlain("%-36s  %-12s %s\n", t.ID, t.State, format.TaskLine(t))
	}
	return nil
}

// CancelTask requests cancellation of a task.
func (r *Runner) CancelTask(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("a task id is required")
	}

	if err := r.engine.Cancel(id); err != nil {
		return err
	}
	r.writePlain("Cancellation requested for %s\n", id)
	return nil
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show one task's state and progress",
		ArgsUsage: "<task-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: r.Status,
	}
}

func listCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List known tasks in submission order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Aliases: []string{"u"}, Usage: "Filter by owner"},
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: r.ListTasks,
	}
}

func cancelCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of a task",
		ArgsUsage: "<task-id>",
		Action:    r.CancelTask,
	}
}
