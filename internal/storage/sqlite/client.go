package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/pkg/logger"
)

var ErrSessionNotFound = errors.New("session not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A shared-nothing in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS solutions (
		session_id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		solution TEXT NOT NULL,
		confidence REAL NOT NULL,
		processing_time REAL NOT NULL,
		sources TEXT NOT NULL,
		strategy TEXT NOT NULL,
		category TEXT NOT NULL,
		input_passed INTEGER NOT NULL,
		output_passed INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_solutions_created ON solutions(created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		clarity TEXT,
		accuracy TEXT,
		completeness TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES solutions(session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);

	CREATE TABLE IF NOT EXISTS kb_entries (
		id TEXT PRIMARY KEY,
		problem TEXT NOT NULL,
		topic TEXT NOT NULL,
		solution TEXT NOT NULL,
		source TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kb_topic ON kb_entries(topic);

	CREATE TABLE IF NOT EXISTS routing_versions (
		version INTEGER PRIMARY KEY,
		params TEXT NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluation_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		question TEXT NOT NULL,
		expected TEXT,
		answer TEXT,
		confidence REAL,
		cosine_similarity REAL,
		passed INTEGER NOT NULL,
		sources TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_run ON evaluation_results(run_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertSolution(ctx context.Context, s *models.SolutionRecord) error {
	query := `
		INSERT INTO solutions (session_id, question, solution, confidence, processing_time, sources,
			strategy, category, input_passed, output_passed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		s.SessionID,
		s.Question,
		s.Solution,
		s.Confidence,
		s.ProcessingTime,
		s.Sources,
		s.Strategy,
		s.Category,
		boolToInt(s.InputPassed),
		boolToInt(s.OutputPassed),
		s.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert solution: %w", err)
	}

	logger.Debug("Solution recorded", zap.String("session_id", s.SessionID))
	return nil
}

func (c *Client) GetSolution(ctx context.Context, sessionID string) (*models.SolutionRecord, error) {
	query := `
		SELECT session_id, question, solution, confidence, processing_time, sources, strategy, category,
			input_passed, output_passed, created_at
		FROM solutions WHERE session_id = ?
	`

	var s models.SolutionRecord
	var inputPassed, outputPassed int
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, sessionID).Scan(
		&s.SessionID,
		&s.Question,
		&s.Solution,
		&s.Confidence,
		&s.ProcessingTime,
		&s.Sources,
		&s.Strategy,
		&s.Category,
		&inputPassed,
		&outputPassed,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get solution: %w", err)
	}

	s.InputPassed = inputPassed == 1
	s.OutputPassed = outputPassed == 1
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}

// AppendFeedback checks the session and inserts the rating in one transaction.
func (c *Client) AppendFeedback(ctx context.Context, f *models.Feedback) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM solutions WHERE session_id = ?`, f.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO feedback (session_id, rating, clarity, accuracy, completeness, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.SessionID,
		f.Rating,
		f.Clarity,
		f.Accuracy,
		f.Completeness,
		f.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feedback: %w", err)
	}

	f.ID, _ = res.LastInsertId()

	logger.Info("Feedback stored",
		zap.String("session_id", f.SessionID),
		zap.Int("rating", f.Rating),
	)
	return nil
}

func (c *Client) ListRatedSolutions(ctx context.Context) ([]models.RatedSolution, error) {
	query := `
		SELECT f.session_id, f.rating, s.strategy, s.category, f.created_at
		FROM feedback f JOIN solutions s ON s.session_id = f.session_id
		ORDER BY f.id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []models.RatedSolution
	for rows.Next() {
		var r models.RatedSolution
		var createdAt int64
		if err := rows.Scan(&r.SessionID, &r.Rating, &r.Strategy, &r.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}

	return out, rows.Err()
}

func (c *Client) UpsertKnowledgeEntries(ctx context.Context, entries []models.KnowledgeEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_entries (id, problem, topic, solution, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			problem = excluded.problem,
			topic = excluded.topic,
			solution = excluded.solution,
			source = excluded.source
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Problem, e.Topic, e.Solution, e.Source, e.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("failed to upsert knowledge entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit knowledge entries: %w", err)
	}
	return nil
}

func (c *Client) KnowledgeStats(ctx context.Context) (int, []string, error) {
	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_entries`).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("failed to count knowledge entries: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT topic FROM kb_entries ORDER BY topic`)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	topics := []string{}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return 0, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		topics = append(topics, topic)
	}

	return total, topics, rows.Err()
}

func (c *Client) SaveRoutingVersion(ctx context.Context, v *models.RoutingVersion) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO routing_versions (version, params, reason, created_at) VALUES (?, ?, ?, ?)`,
		v.Version,
		v.Params,
		v.Reason,
		v.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save routing version: %w", err)
	}
	return nil
}

// LatestRoutingVersion returns nil when nothing has been saved yet.
func (c *Client) LatestRoutingVersion(ctx context.Context) (*models.RoutingVersion, error) {
	var v models.RoutingVersion
	var reason sql.NullString
	var createdAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT version, params, reason, created_at FROM routing_versions ORDER BY version DESC LIMIT 1`,
	).Scan(&v.Version, &v.Params, &reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routing version: %w", err)
	}

	v.Reason = reason.String
	v.CreatedAt = time.Unix(createdAt, 0)
	return &v, nil
}

func (c *Client) InsertEvaluationResult(ctx context.Context, r *models.EvaluationResult) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO evaluation_results (run_id, question, expected, answer, confidence, cosine_similarity,
			passed, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RunID,
		r.Question,
		r.Expected,
		r.Answer,
		r.Confidence,
		r.CosineSimilarity,
		boolToInt(r.Passed),
		r.Sources,
		r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation result: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
