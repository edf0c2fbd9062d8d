package dispatch

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
)

// Store persists generation records in SQLite. Status writes are idempotent
// on terminal states: a record that is already complete or error is never
// moved again.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Create inserts a new queued generation.
func (s *Store) Create(g *Generation) error {
	if g.Status == "" {
		g.Status = StatusQueued
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO generations (
			id, session_id, stage, batch_id, batch_index,
			task_type, model_family, checkpoint,
			prompt, negative_prompt, params, adapters,
			worker_id, seed, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.SessionID, g.Stage, nullString(g.BatchID), nullBatchIndex(g),
		g.TaskType, g.ModelFamily, nullString(g.Checkpoint),
		g.Prompt, g.NegativePrompt, nullString(g.Params), nullString(g.Adapters),
		g.WorkerID, g.Seed, g.Status, g.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert generation %s", g.ID)
	}
	return nil
}

// MarkRunning records the worker-side prompt id and moves the record to
// running. The prompt id is written exactly once.
func (s *Store) MarkRunning(id, promptID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE generations
		SET status = ?, prompt_id = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, promptID, now, id, StatusQueued,
	)
	if err != nil {
		return errors.Wrapf(err, "mark generation %s running", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warnw("Generation not in queued state, skipping running transition",
			"generation_id", id,
		)
	}
	return nil
}

// MarkComplete finalizes a successful generation.
func (s *Store) MarkComplete(id, imagePath string, elapsedMs int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE generations
		SET status = ?, images = ?, generation_time_ms = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusComplete, imagePath, elapsedMs, now,
		id, StatusComplete, StatusError,
	)
	if err != nil {
		return errors.Wrapf(err, "mark generation %s complete", id)
	}
	return nil
}

// MarkError finalizes a failed generation. A no-op on records that already
// reached a terminal state.
func (s *Store) MarkError(id, message string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE generations
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusError, message, now,
		id, StatusComplete, StatusError,
	)
	if err != nil {
		return errors.Wrapf(err, "mark generation %s error", id)
	}
	return nil
}

const generationColumns = `
	id, session_id, stage, batch_id, batch_index,
	task_type, model_family, checkpoint,
	prompt, negative_prompt, params, adapters,
	worker_id, prompt_id, seed, status, error_message,
	images, generation_time_ms, created_at, started_at, completed_at`

// Get fetches one generation. Returns ErrNotFound when the id is unknown.
func (s *Store) Get(id string) (*Generation, error) {
	row := s.db.QueryRow(`SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "generation %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get generation %s", id)
	}
	return g, nil
}

// ListBySession returns a session's generations, newest first.
func (s *Store) ListBySession(sessionID string, limit int) ([]*Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+generationColumns+`
		FROM generations
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list generations for session %s", sessionID)
	}
	defer rows.Close()

	var out []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan generation row")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CountBatch returns how many members of a batch carry the given status.
func (s *Store) CountBatch(batchID string, status Status) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM generations WHERE batch_id = ? AND status = ?`,
		batchID, status,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count batch %s", batchID)
	}
	return n, nil
}

// SweepInFlight marks every queued or running record as error. Run once at
// startup: jobs in flight when the process died cannot be resumed because
// their drivers are gone.
func (s *Store) SweepInFlight() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE generations
		SET status = ?, error_message = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		StatusError, "orphaned by restart", now,
		StatusQueued, StatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "sweep in-flight generations")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warnw("Swept orphaned generations", "count", n)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*Generation, error) {
	var g Generation
	var batchID, checkpoint, params, adapters, promptID, images sql.NullString
	var batchIndex, generationMs sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&g.ID, &g.SessionID, &g.Stage, &batchID, &batchIndex,
		&g.TaskType, &g.ModelFamily, &checkpoint,
		&g.Prompt, &g.NegativePrompt, &params, &adapters,
		&g.WorkerID, &promptID, &g.Seed, &g.Status, &g.ErrorMessage,
		&images, &generationMs, &g.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	g.BatchID = batchID.String
	g.BatchIndex = int(batchIndex.Int64)
	g.Checkpoint = checkpoint.String
	g.Params = params.String
	g.Adapters = adapters.String
	g.PromptID = promptID.String
	g.ImagePath = images.String
	g.GenerationMs = generationMs.Int64
	if startedAt.Valid {
		g.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		g.CompletedAt = &completedAt.Time
	}
	return &g, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBatchIndex(g *Generation) any {
	if g.BatchID == "" {
		return nil
	}
	return g.BatchIndex
}
