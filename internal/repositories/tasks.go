package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// TaskRepository persists terminal tasks for history queries.
//
// Implements the engine's Recorder contract: Record is called once per task,
// after it reaches Completed, Failed, or Cancelled.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new TaskRepository with the given database connection
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Record inserts a finished task into the history table. Recording the same
// task twice replaces the earlier row.
func (r *TaskRepository) Record(task models.Task) error {
	if !task.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s, not terminal", shared.ErrInvalidInput, task.ID, task.State)
	}

	query := `
		INSERT OR REPLACE INTO task_history (
			id, owner, name, source_kind, source_ref, dest_kind, dest_target,
			state, transferred, total, attempts, error_kind, error_message,
			created_at, started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errorKind, errorMessage any
	if task.Err != nil {
		if name := errorKindName(task.Err.Kind); name != "" {
			errorKind = name
		}
		errorMessage = task.Err.Message
	}

	var startedAt, completedAt any
	if !task.StartedAt.IsZero() {
		startedAt = task.StartedAt
	}
	if !task.CompletedAt.IsZero() {
		completedAt = task.CompletedAt
	}

	_, err := r.db.Exec(query,
		task.ID,
		task.Owner,
		task.Name,
		task.Source.Kind.String(),
		task.Source.Ref,
		task.Destination.Kind.String(),
		task.Destination.Target,
		task.State.String(),
		task.Progress.Transferred,
		task.Progress.Total,
		task.Attempt,
		errorKind,
		errorMessage,
		task.CreatedAt,
		startedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// Get retrieves one recorded task by ID.
func (r *TaskRepository) Get(id string) (*models.Task, error) {
	query := selectColumns + " WHERE id = ?"

	task, err := scanTask(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", shared.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List retrieves recorded tasks, most recent first. An empty owner matches
// everyone; a limit below one means no limit.
func (r *TaskRepository) List(owner string, limit int) ([]*models.Task, error) {
	query := selectColumns
	args := []any{}

	if owner != "" {
		query += " WHERE owner = ?"
		args = append(args, owner)
	}
	query += " ORDER BY completed_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return tasks, nil
}

// Prune deletes all but the most recent keep rows.
func (r *TaskRepository) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM task_history
		WHERE id NOT IN (
			SELECT id FROM task_history ORDER BY completed_at DESC LIMIT ?
		)
	`

	result, err := r.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tasks: %w", err)
	}
	return result.RowsAffected()
}

const selectColumns = `
	SELECT
		id, owner, name, source_kind, source_ref, dest_kind, dest_target,
		state, transferred, total, attempts, error_kind, error_message,
		created_at, started_at, completed_at
	FROM task_history
`

// scanner is satisfied by both [sql.Row] and [sql.Rows].
type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one history row back into a [models.Task].
func scanTask(row scanner) (*models.Task, error) {
	var (
		id           string
		owner        string
		name         string
		sourceKind   string
		sourceRef    string
		destKind     string
		destTarget   string
		state        string
		transferred  int64
		total        int64
		attempts     int
		errorKind    sql.NullString
		errorMessage sql.NullString
		createdAt    time.Time
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&id, &owner, &name, &sourceKind, &sourceRef, &destKind, &destTarget,
		&state, &transferred, &total, &attempts, &errorKind, &errorMessage,
		&createdAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	taskState, err := models.ParseState(state)
	if err != nil {
		return nil, err
	}
	backendKind, err := models.ParseBackendKind(sourceKind)
	if err != nil {
		return nil, err
	}
	destination, err := models.ParseDestKind(destKind)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:          id,
		Owner:       owner,
		Name:        name,
		Source:      models.Source{Kind: backendKind, Ref: sourceRef},
		Destination: models.Destination{Kind: destination, Target: destTarget},
		State:       taskState,
		Progress:    models.Progress{Transferred: transferred, Total: total},
		Attempt:     attempts,
		CreatedAt:   createdAt,
	}

	if errorMessage.Valid {
		task.Err = &models.TaskError{
			Kind:    errorKindFromName(errorKind.String),
			Message: errorMessage.String,
		}
	}
	if startedAt.Valid {
		task.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = completedAt.Time
	}

	return task, nil
}
