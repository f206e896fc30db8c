package repositories

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func terminalTask(id, owner string, state models.TaskState, completedAt time.Time) models.Task {
	return models.Task{
		ID:          id,
		Owner:       owner,
		Name:        "file.bin",
		Source:      models.Source{Kind: models.KindHTTP, Ref: "https://example.com/file.bin"},
		Destination: models.Destination{Kind: models.DestDrive, Target: "folder1"},
		State:       state,
		Progress:    models.Progress{Transferred: 100, Total: 100},
		Attempt:     1,
		CreatedAt:   completedAt.Add(-time.Minute),
		StartedAt:   completedAt.Add(-50 * time.Second),
		CompletedAt: completedAt,
	}
}

func TestTaskRecordAndGet(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	now := time.Now().UTC().Truncate(time.Second)
	task := terminalTask("t1", "alice", models.StateCompleted, now)

	if err := repo.Record(task); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := repo.Get("t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Owner != "alice" || got.Name != "file.bin" {
		t.Errorf("got %s/%s", got.Owner, got.Name)
	}
	if got.State != models.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.Source.Kind != models.KindHTTP || got.Destination.Kind != models.DestDrive {
		t.Errorf("kinds = %s/%s", got.Source.Kind, got.Destination.Kind)
	}
	if got.Progress.Transferred != 100 || got.Progress.Total != 100 {
		t.Errorf("progress = %d/%d", got.Progress.Transferred, got.Progress.Total)
	}
	if got.Attempt != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempt)
	}
	if got.Err != nil {
		t.Errorf("completed task should carry no error, got %v", got.Err)
	}
	if !got.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, now)
	}
}

func TestTaskRecordRejectsActive(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	task := terminalTask("t1", "alice", models.StateDownloading, time.Now())
	if err := repo.Record(task); !errors.Is(err, shared.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a live task, got %v", err)
	}
}

func TestTaskRecordFailedCarriesError(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	task := terminalTask("t1", "alice", models.StateFailed, time.Now())
	task.Err = &models.TaskError{Kind: shared.ErrTransient, Message: "connection reset"}

	if err := repo.Record(task); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := repo.Get("t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Err == nil {
		t.Fatal("failed task should carry its error")
	}
	if !errors.Is(got.Err.Kind, shared.ErrTransient) {
		t.Errorf("error kind = %v, want transient", got.Err.Kind)
	}
	if got.Err.Message != "connection reset" {
		t.Errorf("error message = %q", got.Err.Message)
	}
}

func TestTaskRecordReplaces(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	task := terminalTask("t1", "alice", models.StateFailed, time.Now())
	if err := repo.Record(task); err != nil {
		t.Fatal(err)
	}

	task.State = models.StateCancelled
	if err := repo.Record(task); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateCancelled {
		t.Errorf("state = %s, want cancelled after replace", got.State)
	}

	tasks, err := repo.List("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("replace should not duplicate rows, have %d", len(tasks))
	}
}

func TestTaskGetMissing(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	if _, err := repo.Get("nope"); !errors.Is(err, shared.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskList(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	base := time.Now().UTC().Truncate(time.Second)
	for i, spec := range []struct {
		id    string
		owner string
	}{
		{"t1", "alice"},
		{"t2", "bob"},
		{"t3", "alice"},
	} {
		task := terminalTask(spec.id, spec.owner, models.StateCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := repo.Record(task); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("all owners, newest first", func(t *testing.T) {
		tasks, err := repo.List("", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 3 {
			t.Fatalf("got %d tasks, want 3", len(tasks))
		}
		if tasks[0].ID != "t3" || tasks[2].ID != "t1" {
			t.Errorf("order = %s,%s,%s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
		}
	})

	t.Run("filtered by owner", func(t *testing.T) {
		tasks, err := repo.List("alice", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 2 {
			t.Fatalf("got %d tasks, want 2", len(tasks))
		}
		for _, task := range tasks {
			if task.Owner != "alice" {
				t.Errorf("unexpected owner %s", task.Owner)
			}
		}
	})

	t.Run("limited", func(t *testing.T) {
		tasks, err := repo.List("", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 2 {
			t.Fatalf("got %d tasks, want 2", len(tasks))
		}
		if tasks[0].ID != "t3" {
			t.Errorf("limit should keep the newest, got %s", tasks[0].ID)
		}
	})
}

func TestTaskPrune(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		task := terminalTask(string(rune('a'+i)), "alice", models.StateCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := repo.Record(task); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := repo.Prune(2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted %d rows, want 3", deleted)
	}

	tasks, err := repo.List("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("have %d tasks after prune, want 2", len(tasks))
	}
	if tasks[0].ID != "e" || tasks[1].ID != "d" {
		t.Errorf("prune should keep the newest rows, kept %s,%s", tasks[0].ID, tasks[1].ID)
	}
}

func TestErrorKindRoundTrip(t *testing.T) {
	kinds := []error{
		shared.ErrTransient, shared.ErrAuth, shared.ErrQuotaExceeded,
		shared.ErrResolution, shared.ErrCancelled, shared.ErrUnsupported,
	}
	for _, kind := range kinds {
		name := errorKindName(kind)
		if name == "" {
			t.Errorf("no name for %v", kind)
			continue
		}
		if got := errorKindFromName(name); !errors.Is(got, kind) {
			t.Errorf("round trip %v -> %q -> %v", kind, name, got)
		}
	}

	if errorKindName(errors.New("other")) != "" {
		t.Error("unknown errors have no kind name")
	}
	if errorKindFromName("bogus") != nil {
		t.Error("unknown kind names map to nil")
	}
}

func TestCookieSync(t *testing.T) {
	store := NewCookieStore(setupTestDB(t))

	path := filepath.Join(t.TempDir(), "alice.txt")
	if err := os.WriteFile(path, []byte("cookie-v1"), 0o600); err != nil {
		t.Fatal(err)
	}

	changed, err := store.Sync("alice", path)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !changed {
		t.Error("first sync should report a change")
	}

	// Unchanged file short-circuits on the hash.
	changed, err = store.Sync("alice", path)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if changed {
		t.Error("unchanged file should not re-store")
	}

	if err := os.WriteFile(path, []byte("cookie-v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err = store.Sync("alice", path)
	if err != nil {
		t.Fatalf("third Sync failed: %v", err)
	}
	if !changed {
		t.Error("modified file should re-store")
	}

	data, err := store.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "cookie-v2" {
		t.Errorf("stored data = %q, want cookie-v2", data)
	}
}

func TestCookieGetMissing(t *testing.T) {
	store := NewCookieStore(setupTestDB(t))

	if _, err := store.Get("nobody"); !errors.Is(err, shared.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestCookieListAndDelete(t *testing.T) {
	store := NewCookieStore(setupTestDB(t))
	dir := t.TempDir()

	for _, owner := range []string{"bob", "alice"} {
		path := filepath.Join(dir, owner+".txt")
		if err := os.WriteFile(path, []byte(owner+"-cookie"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Sync(owner, path); err != nil {
			t.Fatal(err)
		}
	}

	owners, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(owners) != 2 || owners[0] != "alice" || owners[1] != "bob" {
		t.Errorf("owners = %v, want [alice bob]", owners)
	}

	if err := store.Delete("alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete("alice"); !errors.Is(err, shared.ErrNoCredential) {
		t.Errorf("deleting a missing jar should fail, got %v", err)
	}

	owners, err = store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != "bob" {
		t.Errorf("owners after delete = %v", owners)
	}
}

func TestCookieRestore(t *testing.T) {
	store := NewCookieStore(setupTestDB(t))
	srcDir := t.TempDir()

	for _, owner := range []string{"alice", "bob"} {
		path := filepath.Join(srcDir, owner+".txt")
		if err := os.WriteFile(path, []byte(owner+"-cookie"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Sync(owner, path); err != nil {
			t.Fatal(err)
		}
	}

	outDir := filepath.Join(t.TempDir(), "restored")
	written, err := store.Restore(outDir)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if written != 2 {
		t.Errorf("wrote %d files, want 2", written)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "alice.txt"))
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(data) != "alice-cookie" {
		t.Errorf("restored data = %q", data)
	}
}
