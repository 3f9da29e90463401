package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// quotaWindow is the rolling window over which token spend is summed for
// admission. Unit caps have no window; they are lifetime sums per module.
const quotaWindow = 7 * 24 * time.Hour

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users & Sessions ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, is_admin, usage_group_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.PasswordHash, user.IsAdmin, user.UsageGroupID,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, `WHERE username = $1`, username)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, is_admin, usage_group_id, created_at, updated_at
		 FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.UsageGroupID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, is_admin, usage_group_id, created_at, updated_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.UsageGroupID,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) HasAdmin(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE is_admin = TRUE)`,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin presence: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, token_prefix, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.UserID, session.TokenHash, session.TokenPrefix,
		session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionsByPrefix(ctx context.Context, prefix string) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, token_hash, token_prefix, expires_at, last_used_at, created_at
		 FROM sessions WHERE token_prefix = $1 AND expires_at > NOW()`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get sessions by prefix: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var ses models.Session
		if err := rows.Scan(&ses.ID, &ses.UserID, &ses.TokenHash, &ses.TokenPrefix,
			&ses.ExpiresAt, &ses.LastUsedAt, &ses.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, &ses)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

// SubmitJob runs the admission check and all submission inserts in one
// transaction: usage snapshot → admit → job row → item rows → history upsert.
// If admit rejects, the transaction rolls back and no rows exist.
func (s *PostgresStore) SubmitJob(ctx context.Context, job *models.Job, items []*models.JobItem, admit AdmitFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback(ctx)

	snapshot, err := loadSnapshot(ctx, tx, job.UserID, job.ModuleKey)
	if err != nil {
		return err
	}
	if admit != nil {
		if err := admit(snapshot); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, module_key, status, status_detail, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.ModuleKey, job.Status, job.StatusDetail, job.Payload,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, item := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO job_items (id, job_id, round, ordinal, label, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.JobID, item.Round, item.Ordinal, item.Label, item.Status,
			item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job item: %w", err)
		}
	}

	// Duplicate (module, job_key) insertions are a deliberate no-op.
	_, err = tx.Exec(ctx,
		`INSERT INTO user_job_history (user_id, module_key, job_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (module_key, job_key) DO NOTHING`,
		job.UserID, job.ModuleKey, job.ID.String())
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	// Keep at most 50 history rows per user and module.
	_, err = tx.Exec(ctx,
		`DELETE FROM user_job_history
		 WHERE id IN (
		     SELECT id FROM user_job_history
		     WHERE user_id = $1 AND module_key = $2
		     ORDER BY created_at DESC, id DESC
		     OFFSET 50
		 )`,
		job.UserID, job.ModuleKey)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit submission: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, module_key, status, status_detail, error_message, payload,
	output_path, usage_tokens, usage_units, files_purged_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ModuleKey, &j.Status, &j.StatusDetail,
		&j.ErrorMessage, &j.Payload, &j.OutputPath, &j.UsageTokens, &j.UsageUnits,
		&j.FilesPurgedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

const itemColumns = `id, job_id, round, ordinal, label, status, status_detail,
	error_message, attempt_count, output_path, tokens, created_at, updated_at`

func scanItem(row pgx.Row) (*models.JobItem, error) {
	var it models.JobItem
	err := row.Scan(&it.ID, &it.JobID, &it.Round, &it.Ordinal, &it.Label, &it.Status,
		&it.StatusDetail, &it.ErrorMessage, &it.AttemptCount, &it.OutputPath,
		&it.Tokens, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *PostgresStore) ListJobItems(ctx context.Context, jobID uuid.UUID) ([]*models.JobItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 ORDER BY round, ordinal`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()

	var items []*models.JobItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetJobItem(ctx context.Context, id uuid.UUID) (*models.JobItem, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM job_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job item: %w", err)
	}
	return it, nil
}

// validTransitions guards the job and item state machines. Terminal states
// are absorbing; the purge flag is orthogonal and handled by MarkJobPurged.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
}

func allowedPrevStates(status string) []string {
	var prev []string
	for from, tos := range validTransitions {
		for _, to := range tos {
			if to == status {
				prev = append(prev, from)
			}
		}
	}
	return prev
}

// UpdateJobStatus transitions a job in a single claim-and-update statement:
// the WHERE clause restricts the current status to states that may legally
// precede the target, so a lost race or illegal transition affects zero rows
// and returns ErrInvalidTransition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobOptions(opts)

	prev := allowedPrevStates(status)
	if len(prev) == 0 {
		return fmt.Errorf("%w: no state may enter %q", ErrInvalidTransition, status)
	}

	set := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}
	argIdx := 3

	appendSet := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if params.StatusDetail != nil {
		appendSet("status_detail", *params.StatusDetail)
	}
	if params.ErrorMessage != nil {
		appendSet("error_message", *params.ErrorMessage)
	}
	if params.OutputPath != nil {
		appendSet("output_path", *params.OutputPath)
	}
	if params.UsageTokens != nil {
		appendSet("usage_tokens", *params.UsageTokens)
	}
	if params.UsageUnits != nil {
		appendSet("usage_units", *params.UsageUnits)
	}

	query := fmt.Sprintf(
		`UPDATE jobs SET %s WHERE id = $1 AND status = ANY($%d)`,
		strings.Join(set, ", "), argIdx)
	args = append(args, prev)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// UpdateJobDetail overwrites the human-readable progress note without a
// state transition. Only in-flight jobs accept progress notes.
func (s *PostgresStore) UpdateJobDetail(ctx context.Context, id uuid.UUID, detail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status_detail = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, detail, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("update job detail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateItemStatus(ctx context.Context, id uuid.UUID, status string, opts ...ItemUpdateOption) error {
	params := ApplyItemOptions(opts)

	set := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}
	argIdx := 3

	appendSet := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if params.StatusDetail != nil {
		appendSet("status_detail", *params.StatusDetail)
	}
	if params.ErrorMessage != nil {
		appendSet("error_message", *params.ErrorMessage)
	}
	if params.OutputPath != nil {
		appendSet("output_path", *params.OutputPath)
	}
	if params.Tokens != nil {
		appendSet("tokens", *params.Tokens)
	}
	if params.AttemptCount != nil {
		appendSet("attempt_count", *params.AttemptCount)
	}

	query := fmt.Sprintf(`UPDATE job_items SET %s WHERE id = $1`, strings.Join(set, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Usage ledger ---

func (s *PostgresStore) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, module_key, tokens, units, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, event.ModuleKey,
		max64(event.Tokens, 0), max64(event.Units, 0), event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadSnapshot sums the user's trailing-window token spend across all
// modules and their lifetime unit spend within one module, alongside the
// group limits. Used both standalone and inside the submission transaction.
func loadSnapshot(ctx context.Context, q querier, userID uuid.UUID, moduleKey string) (models.UsageSnapshot, error) {
	var snapshot models.UsageSnapshot

	err := q.QueryRow(ctx,
		`SELECT ug.token_budget, ugl.unit_cap
		 FROM users u
		 JOIN usage_groups ug ON ug.id = u.usage_group_id
		 LEFT JOIN usage_group_limits ugl ON ugl.group_id = ug.id AND ugl.module_key = $2
		 WHERE u.id = $1`,
		userID, moduleKey,
	).Scan(&snapshot.TokenBudget, &snapshot.UnitCap)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot, ErrNotFound
	}
	if err != nil {
		return snapshot, fmt.Errorf("load usage group limits: %w", err)
	}

	windowStart := time.Now().UTC().Add(-quotaWindow)

	err = q.QueryRow(ctx,
		`SELECT
		     COALESCE(SUM(tokens) FILTER (WHERE occurred_at >= $2), 0)::BIGINT,
		     COALESCE(SUM(units) FILTER (WHERE module_key = $3), 0)::BIGINT
		 FROM usage_events
		 WHERE user_id = $1`,
		userID, windowStart, moduleKey,
	).Scan(&snapshot.Tokens, &snapshot.Units)
	if err != nil {
		return snapshot, fmt.Errorf("aggregate usage window: %w", err)
	}

	return snapshot, nil
}

func (s *PostgresStore) LoadUsageSnapshot(ctx context.Context, userID uuid.UUID, moduleKey string) (models.UsageSnapshot, error) {
	return loadSnapshot(ctx, s.pool, userID, moduleKey)
}

func (s *PostgresStore) UsageForUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]map[string]models.UsageSnapshot, error) {
	result := make(map[uuid.UUID]map[string]models.UsageSnapshot)
	if len(userIDs) == 0 {
		return result, nil
	}

	windowStart := time.Now().UTC().Add(-quotaWindow)

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, module_key,
		        COALESCE(SUM(tokens), 0)::BIGINT AS tokens,
		        COALESCE(SUM(units), 0)::BIGINT AS units
		 FROM usage_events
		 WHERE user_id = ANY($1) AND occurred_at >= $2
		 GROUP BY user_id, module_key`,
		userIDs, windowStart)
	if err != nil {
		return nil, fmt.Errorf("fetch batch usage window: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID uuid.UUID
		var moduleKey string
		var snapshot models.UsageSnapshot
		if err := rows.Scan(&userID, &moduleKey, &snapshot.Tokens, &snapshot.Units); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		if result[userID] == nil {
			result[userID] = make(map[string]models.UsageSnapshot)
		}
		result[userID][moduleKey] = snapshot
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetUsageGroup(ctx context.Context, id uuid.UUID) (*models.UsageGroup, error) {
	return s.getUsageGroup(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetUsageGroupByName(ctx context.Context, name string) (*models.UsageGroup, error) {
	return s.getUsageGroup(ctx, `WHERE name = $1`, name)
}

func (s *PostgresStore) getUsageGroup(ctx context.Context, where string, arg any) (*models.UsageGroup, error) {
	var g models.UsageGroup
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, token_budget, created_at, updated_at FROM usage_groups `+where, arg,
	).Scan(&g.ID, &g.Name, &g.TokenBudget, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage group: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGroupLimits(ctx context.Context, groupID uuid.UUID) ([]*models.GroupLimit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, module_key, unit_cap FROM usage_group_limits WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group limits: %w", err)
	}
	defer rows.Close()

	var limits []*models.GroupLimit
	for rows.Next() {
		var l models.GroupLimit
		if err := rows.Scan(&l.GroupID, &l.ModuleKey, &l.UnitCap); err != nil {
			return nil, fmt.Errorf("scan group limit: %w", err)
		}
		limits = append(limits, &l)
	}
	return limits, rows.Err()
}

// UpsertGroupLimits replaces a group's limits wholesale: the token budget on
// the group row plus one unit-cap row per module with a cap.
func (s *PostgresStore) UpsertGroupLimits(ctx context.Context, groupID uuid.UUID, tokenBudget *int64, unitCaps map[string]*int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin limits update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE usage_groups SET token_budget = $2, updated_at = NOW() WHERE id = $1`,
		groupID, tokenBudget)
	if err != nil {
		return fmt.Errorf("update token budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM usage_group_limits WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("clear group limits: %w", err)
	}

	for moduleKey, cap := range unitCaps {
		if cap == nil {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO usage_group_limits (group_id, module_key, unit_cap) VALUES ($1, $2, $3)`,
			groupID, moduleKey, *cap); err != nil {
			return fmt.Errorf("insert group limit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit limits update: %w", err)
	}
	return nil
}

// --- History index ---

// FetchRecentJobs returns the user's recent jobs joined against the live
// jobs table. The history row itself stores no status; staleness is
// impossible by construction.
func (s *PostgresStore) FetchRecentJobs(ctx context.Context, userID uuid.UUID, moduleFilter string, limit int, window time.Duration) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-window)

	conditions := []string{"h.user_id = $1", "h.created_at >= $2"}
	args := []any{userID, cutoff}
	argIdx := 3

	if moduleFilter != "" {
		conditions = append(conditions, fmt.Sprintf("h.module_key = $%d", argIdx))
		args = append(args, moduleFilter)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT h.id, h.user_id, h.module_key, h.job_key, h.created_at,
		        j.status, j.status_detail, j.updated_at, j.files_purged_at
		 FROM user_job_history h
		 LEFT JOIN jobs j ON j.id::text = h.job_key
		 WHERE %s
		 ORDER BY h.created_at DESC
		 LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch recent jobs: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var purgedAt *time.Time
		if err := rows.Scan(&e.ID, &e.UserID, &e.ModuleKey, &e.JobKey, &e.CreatedAt,
			&e.Status, &e.StatusDetail, &e.UpdatedAt, &purgedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.FilesPurged = purgedAt != nil
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_job_history WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Retention ---

// ListPurgeableJobs returns terminal jobs older than the cutoff whose files
// have not yet been purged. In-flight jobs are never candidates.
func (s *PostgresStore) ListPurgeableJobs(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = ANY($1) AND files_purged_at IS NULL AND created_at < $2`,
		[]string{models.JobStatusCompleted, models.JobStatusFailed}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list purgeable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purgeable job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobPurged nulls every stored output path on the job and its items and
// stamps files_purged_at in one transaction. The files_purged_at IS NULL
// guard makes a repeat call a no-op.
func (s *PostgresStore) MarkJobPurged(ctx context.Context, jobID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET output_path = NULL, files_purged_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND files_purged_at IS NULL AND status = ANY($2)`,
		jobID, []string{models.JobStatusCompleted, models.JobStatusFailed})
	if err != nil {
		return fmt.Errorf("purge job row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already purged, still in flight, or gone: nothing to do.
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE job_items SET output_path = NULL, updated_at = NOW() WHERE job_id = $1`,
		jobID); err != nil {
		return fmt.Errorf("purge item rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}

// --- Module configuration ---

func (s *PostgresStore) GetModuleConfig(ctx context.Context, moduleKey string) (*models.ModuleConfig, error) {
	var cfg models.ModuleConfig
	err := s.pool.QueryRow(ctx,
		`SELECT module_key, models, prompts, updated_at FROM module_configs WHERE module_key = $1`,
		moduleKey,
	).Scan(&cfg.ModuleKey, &cfg.Models, &cfg.Prompts, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get module config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) UpsertModuleConfig(ctx context.Context, cfg *models.ModuleConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO module_configs (module_key, models, prompts, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (module_key) DO UPDATE SET
		   models = EXCLUDED.models,
		   prompts = EXCLUDED.prompts,
		   updated_at = NOW()`,
		cfg.ModuleKey, cfg.Models, cfg.Prompts)
	if err != nil {
		return fmt.Errorf("upsert module config: %w", err)
	}
	return nil
}

// EnsureModuleConfig seeds a default config row without clobbering admin edits.
func (s *PostgresStore) EnsureModuleConfig(ctx context.Context, moduleKey string, modelsJSON, promptsJSON []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO module_configs (module_key, models, prompts)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (module_key) DO NOTHING`,
		moduleKey, modelsJSON, promptsJSON)
	if err != nil {
		return fmt.Errorf("ensure module config: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
