// Package destore persists differential expression jobs between pages and
// their per-gene results in SQLite.
package destore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// JobStatus represents the current state of a DE job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("de job not found")

// JobParams describes the comparison a job runs.
type JobParams struct {
	PageA  string   `json:"page_a"`
	PageB  string   `json:"page_b"`
	Genes  []string `json:"genes"`
	Method string   `json:"method"`
}

// JobProgress represents the progress of a DE job in percent.
type JobProgress struct {
	Phase   string  `json:"phase"`
	Percent float64 `json:"percent"`
}

// Job is a differential expression job.
type Job struct {
	ID         string      `json:"job_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NGenes     int         `json:"n_genes"`
	NFailed    int         `json:"n_failed"`
	Error      string      `json:"error,omitempty"`
}

// Store provides persistent storage for DE jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a SQLite-backed store at dbPath. ":memory:" keeps the
// database in process.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps an in-memory database shared and serialises writers.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS de_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		percent REAL DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		n_failed INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_de_jobs_status ON de_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_de_jobs_finished ON de_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS de_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		gene TEXT NOT NULL,
		p_value REAL NOT NULL,
		adjusted_p_value REAL NOT NULL,
		log2_fold_change REAL NOT NULL,
		mean_a REAL NOT NULL,
		mean_b REAL NOT NULL,
		n_a INTEGER NOT NULL,
		n_b INTEGER NOT NULL,
		statistic REAL NOT NULL,
		method TEXT NOT NULL,
		error TEXT DEFAULT '',
		FOREIGN KEY (job_id) REFERENCES de_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_de_results_job ON de_results(job_id);
	CREATE INDEX IF NOT EXISTS idx_de_results_job_adj ON de_results(job_id, adjusted_p_value);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, status, params_json, phase, percent, n_genes, n_failed, error, created_at, started_at, finished_at`

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// CreateJob inserts a job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO de_jobs (job_id, status, params_json, phase, percent, n_genes, n_failed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Percent,
		len(job.Params.Genes),
		0,
		job.Error,
		formatTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var paramsJSON, createdAt string
	var startedAt, finishedAt sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Percent,
		&job.NGenes,
		&job.NFailed,
		&job.Error,
		&createdAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM de_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus sets the status; terminal states also stamp finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID, phase string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE de_jobs SET phase = ?, percent = ?
		WHERE job_id = ?
	`, phase, percent, jobID)
	return err
}

// InsertResults stores the per-gene results of a job in one transaction and
// records how many genes failed.
func (s *Store) InsertResults(jobID string, results []model.DifferentialResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO de_results (job_id, position, gene, p_value, adjusted_p_value, log2_fold_change, mean_a, mean_b, n_a, n_b, statistic, method, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	failed := 0
	for i, r := range results {
		if r.Error != "" {
			failed++
		}
		if _, err := stmt.Exec(
			jobID, i, r.Gene,
			r.PValue, r.AdjustedPValue, r.Log2FoldChange,
			r.MeanA, r.MeanB, r.NA, r.NB,
			r.Statistic, r.Method, r.Error,
		); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", r.Gene, err)
		}
	}
	if _, err := tx.Exec(`UPDATE de_jobs SET n_failed = ? WHERE job_id = ?`, failed, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryResults returns one page of a job's results and the total count.
// Results are ordered by adjusted p-value unless orderBy names another
// column.
func (s *Store) QueryResults(jobID, orderBy string, offset, limit int) ([]model.DifferentialResult, int, error) {
	orderCol := "adjusted_p_value ASC, ABS(log2_fold_change) DESC"
	switch orderBy {
	case "p_value":
		orderCol = "p_value ASC, ABS(log2_fold_change) DESC"
	case "abs_log2fc":
		orderCol = "ABS(log2_fold_change) DESC, adjusted_p_value ASC"
	case "gene":
		orderCol = "gene ASC"
	case "input":
		orderCol = "position ASC"
	}
	if limit <= 0 {
		limit = 100
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM de_results WHERE job_id = ?", jobID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, p_value, adjusted_p_value, log2_fold_change, mean_a, mean_b, n_a, n_b, statistic, method, error
		FROM de_results
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := make([]model.DifferentialResult, 0, limit)
	for rows.Next() {
		var r model.DifferentialResult
		if err := rows.Scan(
			&r.Gene, &r.PValue, &r.AdjustedPValue, &r.Log2FoldChange,
			&r.MeanA, &r.MeanB, &r.NA, &r.NB,
			&r.Statistic, &r.Method, &r.Error,
		); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM de_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs, oldest first, for restart recovery.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM de_jobs WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed fails every running job (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE de_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs deletes jobs that finished before now-retention.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-retention))

	// Delete results first (foreign key)
	if _, err := s.db.Exec(`
		DELETE FROM de_results WHERE job_id IN (
			SELECT job_id FROM de_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff); err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`DELETE FROM de_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM de_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM de_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
