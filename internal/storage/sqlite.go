package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for interactions, ghost cards,
// and skillbooks. All query methods take a context; callers bound lookups
// with a deadline so a slow database surfaces as context.DeadlineExceeded
// rather than hanging the request.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pausely.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Interactions ---

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	status := i.Status
	if status == "" {
		status = InteractionPending
	}
	metadata := i.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, card_id, tier, status, outcome, risk_score, metadata, reasoning_summary, learning_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, nullIfEmpty(i.CardID), i.Tier, status, nullIfEmpty(i.Outcome),
		nullableInt(i.RiskScore), metadata, i.ReasoningSummary, i.LearningStatus,
		i.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	var i Interaction
	var cardID, outcome sql.NullString
	var riskScore sql.NullInt64
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, card_id, tier, status, outcome, risk_score, metadata, reasoning_summary, learning_status, created_at
		FROM interactions WHERE id = ?`, id,
	).Scan(&i.ID, &i.UserID, &cardID, &i.Tier, &i.Status, &outcome, &riskScore, &i.Metadata, &i.ReasoningSummary, &i.LearningStatus, &createdAt)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}
	i.CardID = cardID.String
	i.Outcome = outcome.String
	if riskScore.Valid {
		v := int(riskScore.Int64)
		i.RiskScore = &v
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	i.CreatedAt = t
	return i, nil
}

// UpdateInteractionOutcome overwrites outcome, status, and the metadata
// document for an interaction. The write is unconditional: resubmitted
// feedback overwrites the previous row state (last writer wins).
func (s *Store) UpdateInteractionOutcome(ctx context.Context, id, outcome, status, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET outcome = ?, status = ?, metadata = ? WHERE id = ?`,
		outcome, status, metadata, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLearningStatus marks the learning pipeline state on an interaction.
func (s *Store) SetLearningStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET learning_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, card_id, tier, status, outcome, risk_score, metadata, reasoning_summary, learning_status, created_at
		FROM interactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var cardID, outcome sql.NullString
		var riskScore sql.NullInt64
		var createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &cardID, &i.Tier, &i.Status, &outcome, &riskScore, &i.Metadata, &i.ReasoningSummary, &i.LearningStatus, &createdAt); err != nil {
			return nil, err
		}
		i.CardID = cardID.String
		i.Outcome = outcome.String
		if riskScore.Valid {
			v := int(riskScore.Int64)
			i.RiskScore = &v
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		i.CreatedAt = t
		results = append(results, i)
	}
	return results, rows.Err()
}

// --- Ghost cards ---

func (s *Store) CreateGhostCard(ctx context.Context, g GhostCard) error {
	status := g.Status
	if status == "" {
		status = GhostCardPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ghost_cards (id, user_id, interaction_id, status, satisfaction_feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.InteractionID, status, nullIfEmpty(g.SatisfactionFeedback),
		g.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetGhostCard(ctx context.Context, id string) (GhostCard, error) {
	var g GhostCard
	var feedback sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, interaction_id, status, satisfaction_feedback, created_at
		FROM ghost_cards WHERE id = ?`, id,
	).Scan(&g.ID, &g.UserID, &g.InteractionID, &g.Status, &feedback, &createdAt)
	if err == sql.ErrNoRows {
		return GhostCard{}, ErrNotFound
	}
	if err != nil {
		return GhostCard{}, err
	}
	g.SatisfactionFeedback = feedback.String
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return GhostCard{}, fmt.Errorf("parsing created_at: %w", err)
	}
	g.CreatedAt = t
	return g, nil
}

// ListGhostCardsByInteraction returns every card created for an interaction.
// Resubmitted feedback can leave more than one.
func (s *Store) ListGhostCardsByInteraction(ctx context.Context, interactionID string) ([]GhostCard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, interaction_id, status, satisfaction_feedback, created_at
		FROM ghost_cards WHERE interaction_id = ? ORDER BY created_at`, interactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []GhostCard
	for rows.Next() {
		var g GhostCard
		var feedback sql.NullString
		var createdAt string
		if err := rows.Scan(&g.ID, &g.UserID, &g.InteractionID, &g.Status, &feedback, &createdAt); err != nil {
			return nil, err
		}
		g.SatisfactionFeedback = feedback.String
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		g.CreatedAt = t
		cards = append(cards, g)
	}
	return cards, rows.Err()
}

func (s *Store) UpdateGhostCardFeedback(ctx context.Context, id, feedback, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ghost_cards SET satisfaction_feedback = ?, status = ? WHERE id = ?`,
		feedback, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Skillbooks ---

func (s *Store) GetSkillbook(ctx context.Context, userID string) (Skillbook, error) {
	var sb Skillbook
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, skills, version, updated_at
		FROM skillbooks WHERE user_id = ?`, userID,
	).Scan(&sb.UserID, &sb.Skills, &sb.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return Skillbook{}, ErrNotFound
	}
	if err != nil {
		return Skillbook{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Skillbook{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	sb.UpdatedAt = t
	return sb, nil
}

func (s *Store) UpsertSkillbook(ctx context.Context, sb Skillbook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skillbooks (user_id, skills, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET skills = excluded.skills, version = excluded.version, updated_at = excluded.updated_at`,
		sb.UserID, sb.Skills, sb.Version, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
