package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Training examples ---

const exampleColumns = `id, execution_id, goal, context, actions, final_answer,
	quality_score, confidence, task_type, domain, difficulty, low_confidence, status, trace_hash, created_at`

func scanExample(scanner interface{ Scan(dest ...any) error }) (example.TrainingExample, error) {
	var ex example.TrainingExample
	var actions []byte
	err := scanner.Scan(
		&ex.ID, &ex.ExecutionID, &ex.Goal, &ex.Context, &actions, &ex.FinalAnswer,
		&ex.QualityScore, &ex.Confidence, &ex.TaskType, &ex.Domain, &ex.Difficulty,
		&ex.LowConfidence, &ex.Status, &ex.TraceHash, &ex.CreatedAt,
	)
	if err != nil {
		return ex, err
	}
	if err := json.Unmarshal(actions, &ex.Actions); err != nil {
		return ex, fmt.Errorf("unmarshal actions: %w", err)
	}
	return ex, nil
}

// CreateExample inserts a new immutable training example. A duplicate
// execution id is treated as an idempotent redelivery and ignored.
func (s *Store) CreateExample(ctx context.Context, ex *example.TrainingExample) error {
	actions, err := json.Marshal(ex.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	status := ex.Status
	if status == "" {
		status = example.StatusAccepted
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO training_examples (id, execution_id, goal, context, actions, final_answer,
			quality_score, confidence, task_type, domain, difficulty, low_confidence, status, trace_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (execution_id) DO NOTHING`,
		ex.ID, ex.ExecutionID, ex.Goal, ex.Context, actions, ex.FinalAnswer,
		ex.QualityScore, ex.Confidence, ex.TaskType, ex.Domain, ex.Difficulty,
		ex.LowConfidence, status, ex.TraceHash, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("create example: %w", err)
	}
	return nil
}

// ListAcceptedExamples returns uncurated review-cleared examples, oldest
// first. A limit of zero means no limit (NULLIF turns it into LIMIT NULL).
func (s *Store) ListAcceptedExamples(ctx context.Context, limit int) ([]example.TrainingExample, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM training_examples
		 WHERE dataset_id IS NULL AND status = 'accepted'
		 ORDER BY created_at ASC LIMIT NULLIF($1, 0)`, exampleColumns),
		limit)
	if err != nil {
		return nil, fmt.Errorf("list accepted examples: %w", err)
	}
	defer rows.Close()

	var examples []example.TrainingExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// CountAcceptedExamples returns the number of uncurated review-cleared examples.
func (s *Store) CountAcceptedExamples(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM training_examples WHERE dataset_id IS NULL AND status = 'accepted'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count accepted examples: %w", err)
	}
	return n, nil
}

// MarkExamplesCurated stamps examples with the dataset version that consumed them.
func (s *Store) MarkExamplesCurated(ctx context.Context, ids []string, datasetID string, version int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE training_examples SET dataset_id = $2, dataset_version = $3 WHERE id = ANY($1)`,
		ids, datasetID, version)
	if err != nil {
		return fmt.Errorf("mark examples curated: %w", err)
	}
	return nil
}

// --- Pending trace join ---

// ParkTrace stores a trace awaiting its quality signal. Redelivered traces
// overwrite their previous parking entry, keeping the original deadline moot.
func (s *Store) ParkTrace(ctx context.Context, tr *example.Trace, deadline time.Time) error {
	blob, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_traces (execution_id, trace, deadline)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (execution_id) DO NOTHING`,
		tr.ExecutionID, blob, deadline)
	if err != nil {
		return fmt.Errorf("park trace: %w", err)
	}
	return nil
}

// TakePendingTrace atomically removes and returns the parked trace for the
// execution, or domain.ErrNotFound if none is waiting.
func (s *Store) TakePendingTrace(ctx context.Context, executionID string) (*example.Trace, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`DELETE FROM pending_traces WHERE execution_id = $1 RETURNING trace`,
		executionID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending trace %s: %w", executionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("take pending trace %s: %w", executionID, err)
	}

	var tr example.Trace
	if err := json.Unmarshal(blob, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &tr, nil
}

// ExpirePendingTraces atomically removes and returns all parked traces whose
// join deadline has passed.
func (s *Store) ExpirePendingTraces(ctx context.Context, now time.Time) ([]example.Trace, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM pending_traces WHERE deadline <= $1 RETURNING trace`, now)
	if err != nil {
		return nil, fmt.Errorf("expire pending traces: %w", err)
	}
	defer rows.Close()

	var traces []example.Trace
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan expired trace: %w", err)
		}
		var tr example.Trace
		if err := json.Unmarshal(blob, &tr); err != nil {
			return nil, fmt.Errorf("unmarshal expired trace: %w", err)
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// --- Review queue ---

// EnqueueReview adds an example to the manual review queue. Re-enqueueing
// the same example (a retried flush) is a no-op.
func (s *Store) EnqueueReview(ctx context.Context, item *database.ReviewItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_queue (id, example_id, reason, score, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (example_id) DO NOTHING`,
		item.ID, item.ExampleID, item.Reason, item.Score, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue review: %w", err)
	}
	return nil
}

// ListPendingReviews returns undecided review items, oldest first.
func (s *Store) ListPendingReviews(ctx context.Context) ([]database.ReviewItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, example_id, reason, score, decided, accepted, created_at
		 FROM review_queue WHERE decided = FALSE ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	defer rows.Close()

	var items []database.ReviewItem
	for rows.Next() {
		var it database.ReviewItem
		if err := rows.Scan(&it.ID, &it.ExampleID, &it.Reason, &it.Score, &it.Decided, &it.Accepted, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DecideReview records a manual accept/reject decision and finalizes the
// example in the same transaction: accepted examples join the curation pool,
// rejected ones are permanently excluded from it.
func (s *Store) DecideReview(ctx context.Context, id string, accepted bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decide review %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exampleID string
	err = tx.QueryRow(ctx,
		`UPDATE review_queue SET decided = TRUE, accepted = $2
		 WHERE id = $1 AND decided = FALSE RETURNING example_id`,
		id, accepted).Scan(&exampleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("decide review %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("decide review %s: %w", id, err)
	}

	status := example.StatusRejected
	if accepted {
		status = example.StatusAccepted
	}
	if _, err := tx.Exec(ctx,
		`UPDATE training_examples SET status = $2 WHERE id = $1`, exampleID, status); err != nil {
		return fmt.Errorf("finalize reviewed example %s: %w", exampleID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decide review %s: %w", id, err)
	}
	return nil
}

// --- Audit log ---

// AppendAudit writes one append-only audit record.
func (s *Store) AppendAudit(ctx context.Context, entry *database.AuditEntry) error {
	var lineage any
	if entry.Lineage != "" {
		lineage = []byte(entry.Lineage)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (kind, entity_id, detail, lineage, actor) VALUES ($1, $2, $3, $4, $5)`,
		entry.Kind, entry.EntityID, entry.Detail, lineage, entry.Actor)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns recent audit records, optionally filtered by kind.
func (s *Store) ListAudit(ctx context.Context, kind string, limit int) ([]database.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, entity_id, detail, COALESCE(lineage::text, ''), actor, created_at
		 FROM audit_log WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC LIMIT $2`,
		kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []database.AuditEntry
	for rows.Next() {
		var e database.AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.Detail, &e.Lineage, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
