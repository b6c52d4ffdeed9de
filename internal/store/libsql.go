package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/glyphware/grimoire/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/grimoire.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies any schema revisions the database has not seen yet.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applySchema(ctx, s.db)
}

// --- Casts ---

func (s *LibSQLStore) CreateCast(ctx context.Context, cast *Cast) error {
	recordIDs, err := json.Marshal(sliceOrEmpty(cast.StepRecordIDs))
	if err != nil {
		return fmt.Errorf("marshal step_record_ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO casts (id, spell_id, initiator_id, platform, target_id, status, step_record_ids, overrides, total_cost_usd, total_points_spent, last_error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cast.ID, cast.SpellID, cast.InitiatorID, nullStr(cast.Platform), nullStr(cast.TargetID),
		string(cast.Status), string(recordIDs), nullRaw(cast.Overrides),
		cast.TotalCostUSD, cast.TotalPointsSpent, nullRaw(cast.LastError),
		timeOrNow(cast.StartedAt), nullTime(cast.CompletedAt), timeOrNow(cast.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCast(ctx context.Context, id string) (*Cast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spell_id, initiator_id, platform, target_id, status, step_record_ids, overrides, total_cost_usd, total_points_spent, last_error, started_at, completed_at, updated_at
		 FROM casts WHERE id = ?`, id)
	cast, err := scanCast(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cast", id)
	}
	return cast, err
}

func (s *LibSQLStore) UpdateCast(ctx context.Context, id string, update CastUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.TotalCostUSD != nil {
		sets = append(sets, "total_cost_usd = ?")
		args = append(args, *update.TotalCostUSD)
	}
	if update.TotalPointsSpent != nil {
		sets = append(sets, "total_points_spent = ?")
		args = append(args, *update.TotalPointsSpent)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, string(update.LastError))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE casts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cast", id)
}

// AppendStepRecordID appends a record ID to the cast's ordered list.
// Read-modify-write under a transaction; the caller (StepContinuator) holds
// the continuation claim so there is at most one appender per cast.
func (s *LibSQLStore) AppendStepRecordID(ctx context.Context, castID, recordID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT step_record_ids FROM casts WHERE id = ?`, castID).Scan(&raw)
	if err == sql.ErrNoRows {
		return storeNotFound("cast", castID)
	}
	if err != nil {
		return err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return fmt.Errorf("unmarshal step_record_ids: %w", err)
	}
	for _, existing := range ids {
		if existing == recordID {
			return tx.Commit() // already appended
		}
	}
	ids = append(ids, recordID)
	updated, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal step_record_ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE casts SET step_record_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(updated), castID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListCasts(ctx context.Context, filter CastFilter) ([]*Cast, error) {
	q := `SELECT id, spell_id, initiator_id, platform, target_id, status, step_record_ids, overrides, total_cost_usd, total_points_spent, last_error, started_at, completed_at, updated_at FROM casts`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.SpellID != "" {
		conds = append(conds, "spell_id = ?")
		args = append(args, filter.SpellID)
	}
	if filter.InitiatorID != "" {
		conds = append(conds, "initiator_id = ?")
		args = append(args, filter.InitiatorID)
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var casts []*Cast
	for rows.Next() {
		cast, err := scanCast(rows)
		if err != nil {
			return nil, err
		}
		casts = append(casts, cast)
	}
	return casts, rows.Err()
}

// --- Generation records ---

func (s *LibSQLStore) CreateRecord(ctx context.Context, rec *GenerationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_records (id, cast_id, step_index, tool_id, backend_name, status, job_handle, input_payload, raw_result, normalized_output, cost_usd, points_spent, delivery_status, delivery_attempts, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CastID, rec.StepIndex, rec.ToolID, rec.BackendName, string(rec.Status),
		nullStr(rec.JobHandle), nullRaw(rec.InputPayload), nullRaw(rec.RawResult), nullRaw(rec.NormalizedOutput),
		rec.CostUSD, rec.PointsSpent, string(rec.DeliveryStatus), rec.DeliveryAttempts,
		nullRaw(rec.Error), timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %d of cast %s already dispatched", rec.StepIndex, rec.CastID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRecord(ctx context.Context, id string) (*GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx, recordSelect+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation record", id)
	}
	return rec, err
}

func (s *LibSQLStore) GetRecordByJobHandle(ctx context.Context, jobHandle string) (*GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx, recordSelect+` WHERE job_handle = ?`, jobHandle)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation record", jobHandle)
	}
	return rec, err
}

func (s *LibSQLStore) GetRecordsByIDs(ctx context.Context, ids []string) ([]*GenerationRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, recordSelect+` WHERE id IN (`+placeholders+`) ORDER BY step_index ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*GenerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) UpdateRecord(ctx context.Context, id string, update RecordUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.JobHandle != nil {
		sets = append(sets, "job_handle = ?")
		args = append(args, *update.JobHandle)
	}
	if update.RawResult != nil {
		sets = append(sets, "raw_result = ?")
		args = append(args, string(update.RawResult))
	}
	if update.NormalizedOutput != nil {
		sets = append(sets, "normalized_output = ?")
		args = append(args, string(update.NormalizedOutput))
	}
	if update.CostUSD != nil {
		sets = append(sets, "cost_usd = ?")
		args = append(args, *update.CostUSD)
	}
	if update.PointsSpent != nil {
		sets = append(sets, "points_spent = ?")
		args = append(args, *update.PointsSpent)
	}
	if update.DeliveryStatus != nil {
		sets = append(sets, "delivery_status = ?")
		args = append(args, string(*update.DeliveryStatus))
	}
	if update.DeliveryAttempts != nil {
		sets = append(sets, "delivery_attempts = ?")
		args = append(args, *update.DeliveryAttempts)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_records SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "generation record", id)
}

func (s *LibSQLStore) ListRecordsByCast(ctx context.Context, castID string) ([]*GenerationRecord, error) {
	rows, err := s.db.QueryContext(ctx, recordSelect+` WHERE cast_id = ? ORDER BY step_index ASC`, castID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*GenerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Continuation claims ---

// ClaimContinuation inserts the claim row if absent. Rows affected == 0 means
// another observer already claimed this record's continuation.
func (s *LibSQLStore) ClaimContinuation(ctx context.Context, recordID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO continuation_claims (record_id) VALUES (?)`, recordID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-cast sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE cast_id = ?`, event.CastID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (cast_id, record_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.CastID, nullStr(event.RecordID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, castID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cast_id, record_id, event_type, payload, timestamp, sequence
		 FROM events WHERE cast_id = ? AND sequence > ? ORDER BY sequence ASC`, castID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var recordID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.CastID, &recordID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.RecordID = recordID.String
		e.Payload = jsonOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled casts ---

func (s *LibSQLStore) CreateScheduledCast(ctx context.Context, job *ScheduledCast) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_casts (id, spell_id, cron_expression, initiator_id, platform, target_id, overrides, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SpellID, job.CronExpression, job.InitiatorID, nullStr(job.Platform), nullStr(job.TargetID),
		nullRaw(job.Overrides), boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledCast(ctx context.Context, id string) (*ScheduledCast, error) {
	row := s.db.QueryRowContext(ctx, scheduledSelect+` WHERE id = ?`, id)
	job, err := scanScheduledCast(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled cast", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledCast(ctx context.Context, id string, update ScheduledCastUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_casts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled cast", id)
}

func (s *LibSQLStore) ListScheduledCasts(ctx context.Context, filter ScheduledCastFilter) ([]*ScheduledCast, error) {
	q := scheduledSelect
	var conds []string
	var args []any
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.SpellID != "" {
		conds = append(conds, "spell_id = ?")
		args = append(args, filter.SpellID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledCast
	for rows.Next() {
		job, err := scanScheduledCast(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledCast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_casts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled cast", id)
}

// --- Scan helpers ---

const recordSelect = `SELECT id, cast_id, step_index, tool_id, backend_name, status, job_handle, input_payload, raw_result, normalized_output, cost_usd, points_spent, delivery_status, delivery_attempts, error, created_at, updated_at FROM generation_records`

const scheduledSelect = `SELECT id, spell_id, cron_expression, initiator_id, platform, target_id, overrides, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_casts`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCast(row rowScanner) (*Cast, error) {
	cast := &Cast{}
	var (
		platform, targetID, overrides, lastError sql.NullString
		recordIDs, status                        string
		completedAt                              sql.NullTime
	)
	err := row.Scan(&cast.ID, &cast.SpellID, &cast.InitiatorID, &platform, &targetID, &status,
		&recordIDs, &overrides, &cast.TotalCostUSD, &cast.TotalPointsSpent, &lastError,
		&cast.StartedAt, &completedAt, &cast.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cast.Platform = platform.String
	cast.TargetID = targetID.String
	cast.Status = schema.CastStatus(status)
	cast.Overrides = jsonOrNil(overrides)
	cast.LastError = jsonOrNil(lastError)
	if completedAt.Valid {
		cast.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(recordIDs), &cast.StepRecordIDs); err != nil {
		return nil, fmt.Errorf("unmarshal step_record_ids: %w", err)
	}
	return cast, nil
}

func scanRecord(row rowScanner) (*GenerationRecord, error) {
	rec := &GenerationRecord{}
	var (
		jobHandle, input, raw, normalized, errJSON sql.NullString
		status, deliveryStatus                     string
	)
	err := row.Scan(&rec.ID, &rec.CastID, &rec.StepIndex, &rec.ToolID, &rec.BackendName, &status,
		&jobHandle, &input, &raw, &normalized, &rec.CostUSD, &rec.PointsSpent,
		&deliveryStatus, &rec.DeliveryAttempts, &errJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.RecordStatus(status)
	rec.JobHandle = jobHandle.String
	rec.InputPayload = jsonOrNil(input)
	rec.RawResult = jsonOrNil(raw)
	rec.NormalizedOutput = jsonOrNil(normalized)
	rec.DeliveryStatus = schema.DeliveryStatus(deliveryStatus)
	rec.Error = jsonOrNil(errJSON)
	return rec, nil
}

func scanScheduledCast(row rowScanner) (*ScheduledCast, error) {
	job := &ScheduledCast{}
	var (
		platform, targetID, overrides, lastStatus sql.NullString
		enabled                                   int
		lastRun, nextRun                          sql.NullTime
	)
	err := row.Scan(&job.ID, &job.SpellID, &job.CronExpression, &job.InitiatorID, &platform, &targetID,
		&overrides, &enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.Platform = platform.String
	job.TargetID = targetID.String
	job.Overrides = jsonOrNil(overrides)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Value helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)
