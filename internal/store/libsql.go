package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/warekit/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *Definition) error {
	spec, err := json.Marshal(def.Spec)
	if err != nil {
		return fmt.Errorf("marshal definition spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, entity_type, active, spec, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.EntityType, boolInt(def.Active), string(spec),
		nullStr(def.CreatedBy), timeOrNow(def.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, entity_type, active, spec, created_by, created_at, archived_at
		 FROM workflow_definitions WHERE id = ? AND version = ?`, id, version)
	return scanDefinition(row, fmt.Sprintf("%s@%d", id, version))
}

func (s *LibSQLStore) GetActiveDefinition(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, entity_type, active, spec, created_by, created_at, archived_at
		 FROM workflow_definitions WHERE id = ? AND active = 1 AND archived_at IS NULL`, id)
	return scanDefinition(row, id)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner, label string) (*Definition, error) {
	d := &Definition{}
	var active int
	var specJSON string
	var createdBy sql.NullString
	var archivedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Version, &d.EntityType, &active, &specJSON, &createdBy, &d.CreatedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", label)
	}
	if err != nil {
		return nil, err
	}
	d.Active = active != 0
	d.CreatedBy = createdBy.String
	if archivedAt.Valid {
		d.ArchivedAt = &archivedAt.Time
	}
	if err := json.Unmarshal([]byte(specJSON), &d.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal definition spec: %w", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	var where []string
	var args []any

	where = append(where, "archived_at IS NULL")
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT id, version, entity_type, active, spec, created_by, created_at, archived_at
		 FROM workflow_definitions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id, version DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows, "")
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE id = ?`, id,
	).Scan(&v)
	return v, err
}

// ActivateDefinition flips the active flag to the given version, deactivating
// all other versions of the same definition in one transaction.
func (s *LibSQLStore) ActivateDefinition(ctx context.Context, id string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = 0 WHERE id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = 1 WHERE id = ? AND version = ? AND archived_at IS NULL`,
		id, version)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "definition", fmt.Sprintf("%s@%d", id, version)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) DeactivateDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

// ArchiveDefinition soft-deletes all versions of a definition. Refused with
// CONFLICT while any non-terminal instance still references it.
func (s *LibSQLStore) ArchiveDefinition(ctx context.Context, id string) error {
	n, err := s.CountNonTerminalInstances(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %q has %d non-terminal instances", id, n)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = 0, archived_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND archived_at IS NULL`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

func (s *LibSQLStore) CountNonTerminalInstances(ctx context.Context, definitionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances
		 WHERE definition_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		definitionID,
	).Scan(&n)
	return n, err
}

// --- Instances ---

// CreateInstanceWithStep inserts an instance together with its first step
// instance in a single transaction, so a trigger can never produce an
// instance with no active step.
func (s *LibSQLStore) CreateInstanceWithStep(ctx context.Context, inst *Instance, step *StepInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertInstance(ctx, tx, inst); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if err := insertStepInstance(ctx, tx, step); err != nil {
		return fmt.Errorf("insert first step: %w", err)
	}
	return tx.Commit()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertInstance(ctx context.Context, db execer, inst *Instance) error {
	steps, err := json.Marshal(stepsOrEmpty(inst.CurrentSteps))
	if err != nil {
		return fmt.Errorf("marshal current_steps: %w", err)
	}
	data, err := marshalMapOrDefault(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal workflow_data: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, definition_id, definition_version, entity_type, entity_id, status, current_steps, workflow_data, initiated_by, priority, due_date, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityType, inst.EntityID,
		string(inst.Status), string(steps), string(data), nullStr(inst.InitiatedBy), inst.Priority,
		nullTime(inst.DueDate), timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt),
		nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, definition_version, entity_type, entity_id, status, current_steps, workflow_data, initiated_by, priority, due_date, created_at, started_at, completed_at, updated_at
		 FROM workflow_instances WHERE id = ?`, id)
	return scanInstance(row, id)
}

func scanInstance(row rowScanner, label string) (*Instance, error) {
	inst := &Instance{}
	var status, stepsJSON string
	var dataJSON, initiatedBy sql.NullString
	var dueDate, startedAt, completedAt sql.NullTime
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.EntityType, &inst.EntityID,
		&status, &stepsJSON, &dataJSON, &initiatedBy, &inst.Priority,
		&dueDate, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", label)
	}
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	if err := json.Unmarshal([]byte(stepsJSON), &inst.CurrentSteps); err != nil {
		return nil, fmt.Errorf("unmarshal current_steps: %w", err)
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &inst.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	inst.InitiatedBy = initiatedBy.String
	if dueDate.Valid {
		inst.DueDate = &dueDate.Time
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentSteps != nil {
		steps, err := json.Marshal(stepsOrEmpty(update.CurrentSteps))
		if err != nil {
			return fmt.Errorf("marshal current_steps: %w", err)
		}
		sets = append(sets, "current_steps = ?")
		args = append(args, string(steps))
	}
	if update.Data != nil {
		data, err := json.Marshal(update.Data)
		if err != nil {
			return fmt.Errorf("marshal workflow_data: %w", err)
		}
		sets = append(sets, "workflow_data = ?")
		args = append(args, string(data))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, definition_id, definition_version, entity_type, entity_id, status, current_steps, workflow_data, initiated_by, priority, due_date, created_at, started_at, completed_at, updated_at FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows, "")
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Step instances ---

func (s *LibSQLStore) CreateStepInstance(ctx context.Context, si *StepInstance) error {
	return insertStepInstance(ctx, s.db, si)
}

func insertStepInstance(ctx context.Context, db execer, si *StepInstance) error {
	if si.Version == 0 {
		si.Version = 1
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO workflow_step_instances (id, instance_id, step_code, status, assigned_to, assigned_group, step_data, error_message, version, timeout_at, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		si.ID, si.InstanceID, si.StepCode, string(si.Status),
		nullStr(si.AssignedTo), nullStr(si.AssignedGroup), nullRaw(si.Data), nullStr(si.ErrorMessage),
		si.Version, nullTime(si.TimeoutAt), nullTime(si.StartedAt), nullTime(si.CompletedAt),
		timeOrNow(si.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetStepInstance(ctx context.Context, id string) (*StepInstance, error) {
	row := s.db.QueryRowContext(ctx, stepInstanceSelect+` WHERE id = ?`, id)
	return scanStepInstance(row, id)
}

// GetStepInstanceByCode returns the most recent step instance for a step code
// within an instance. Re-activated steps (loops through rollback, retry)
// produce multiple rows; the latest one carries the live state.
func (s *LibSQLStore) GetStepInstanceByCode(ctx context.Context, instanceID, stepCode string) (*StepInstance, error) {
	row := s.db.QueryRowContext(ctx,
		stepInstanceSelect+` WHERE instance_id = ? AND step_code = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		instanceID, stepCode)
	return scanStepInstance(row, instanceID+"/"+stepCode)
}

const stepInstanceSelect = `SELECT id, instance_id, step_code, status, assigned_to, assigned_group, step_data, error_message, version, timeout_at, started_at, completed_at, created_at FROM workflow_step_instances`

func scanStepInstance(row rowScanner, label string) (*StepInstance, error) {
	si := &StepInstance{}
	var status string
	var assignedTo, assignedGroup, data, errMsg sql.NullString
	var timeoutAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&si.ID, &si.InstanceID, &si.StepCode, &status,
		&assignedTo, &assignedGroup, &data, &errMsg,
		&si.Version, &timeoutAt, &startedAt, &completedAt, &si.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_instance", label)
	}
	if err != nil {
		return nil, err
	}
	si.Status = schema.StepStatus(status)
	si.AssignedTo = assignedTo.String
	si.AssignedGroup = assignedGroup.String
	si.Data = rawOrNil(data)
	si.ErrorMessage = errMsg.String
	if timeoutAt.Valid {
		si.TimeoutAt = &timeoutAt.Time
	}
	if startedAt.Valid {
		si.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		si.CompletedAt = &completedAt.Time
	}
	return si, nil
}

func (s *LibSQLStore) ListStepInstances(ctx context.Context, instanceID string) ([]*StepInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		stepInstanceSelect+` WHERE instance_id = ? ORDER BY created_at ASC, rowid ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepInstance
	for rows.Next() {
		si, err := scanStepInstance(rows, "")
		if err != nil {
			return nil, err
		}
		steps = append(steps, si)
	}
	return steps, rows.Err()
}

// UpdateStepInstance performs a version-guarded conditional write. The update
// only lands if the stored version equals expectedVersion; the version
// counter is incremented on success. A stale version yields CONFLICT —
// the caller lost the race and must re-read.
func (s *LibSQLStore) UpdateStepInstance(ctx context.Context, id string, expectedVersion int64, update StepInstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullStr(*update.AssignedTo))
	}
	if update.AssignedGroup != nil {
		sets = append(sets, "assigned_group = ?")
		args = append(args, nullStr(*update.AssignedGroup))
	}
	if update.Data != nil {
		sets = append(sets, "step_data = ?")
		args = append(args, string(update.Data))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.ClearTimeout {
		sets = append(sets, "timeout_at = NULL")
	} else if update.TimeoutAt != nil {
		sets = append(sets, "timeout_at = ?")
		args = append(args, *update.TimeoutAt)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE workflow_step_instances SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Distinguish a lost race from a missing row.
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_step_instances WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return storeNotFound("step_instance", id)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"step instance %q version %d is stale", id, expectedVersion)
}

// ListDueStepInstances returns in-progress step instances whose deadline has
// passed, restricted to instances that are themselves in progress so paused
// and cancelled work is never touched by the sentinel.
func (s *LibSQLStore) ListDueStepInstances(ctx context.Context, now time.Time, limit int) ([]*StepInstance, error) {
	query := `SELECT si.id, si.instance_id, si.step_code, si.status, si.assigned_to, si.assigned_group, si.step_data, si.error_message, si.version, si.timeout_at, si.started_at, si.completed_at, si.created_at
		 FROM workflow_step_instances si
		 JOIN workflow_instances i ON i.id = si.instance_id
		 WHERE si.status = 'in_progress' AND si.timeout_at IS NOT NULL AND si.timeout_at <= ?
		   AND i.status = 'in_progress'
		 ORDER BY si.timeout_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*StepInstance
	for rows.Next() {
		si, err := scanStepInstance(rows, "")
		if err != nil {
			return nil, err
		}
		due = append(due, si)
	}
	return due, rows.Err()
}

// --- Transitions ---

// AppendTransition appends an audit row with a monotonically increasing
// per-instance sequence. The sequence read and insert share one transaction
// so concurrent writers cannot interleave.
func (s *LibSQLStore) AppendTransition(ctx context.Context, tr *Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_transitions WHERE instance_id = ?`, tr.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	tr.Sequence = seq

	if tr.Type == "" {
		tr.Type = schema.TransitionTypeNormal
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_transitions (instance_id, from_step_code, to_step_code, transition_type, triggered_by, reason, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.InstanceID, tr.FromStep, tr.ToStep, string(tr.Type),
		nullStr(tr.TriggeredBy), nullStr(tr.Reason), timeOrNow(tr.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, instanceID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, from_step_code, to_step_code, transition_type, triggered_by, reason, timestamp, sequence
		 FROM workflow_transitions WHERE instance_id = ? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		tr := &Transition{}
		var trType string
		var triggeredBy, reason sql.NullString
		if err := rows.Scan(&tr.ID, &tr.InstanceID, &tr.FromStep, &tr.ToStep, &trType,
			&triggeredBy, &reason, &tr.Timestamp, &tr.Sequence); err != nil {
			return nil, err
		}
		tr.Type = schema.TransitionType(trType)
		tr.TriggeredBy = triggeredBy.String
		tr.Reason = reason.String
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

// ArrivedFrom returns the distinct predecessor step codes that have recorded
// a transition into toStep. Used for AND-join bookkeeping.
func (s *LibSQLStore) ArrivedFrom(ctx context.Context, instanceID, toStep string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT from_step_code FROM workflow_transitions
		 WHERE instance_id = ? AND to_step_code = ?`, instanceID, toStep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var from []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		from = append(from, f)
	}
	return from, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_approvals (id, step_instance_id, approval_type, approver_id, approver_role, level, status, comments, responded_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.StepInstanceID, string(ap.ApprovalType),
		nullStr(ap.ApproverID), nullStr(ap.ApproverRole), ap.Level,
		string(ap.Status), nullStr(ap.Comments), nullTime(ap.RespondedAt), timeOrNow(ap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, step_instance_id, approval_type, approver_id, approver_role, level, status, comments, responded_at, created_at
		 FROM workflow_approvals WHERE id = ?`, id)
	return scanApproval(row, id)
}

func scanApproval(row rowScanner, label string) (*Approval, error) {
	ap := &Approval{}
	var apType, status string
	var approverID, approverRole, comments sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&ap.ID, &ap.StepInstanceID, &apType, &approverID, &approverRole,
		&ap.Level, &status, &comments, &respondedAt, &ap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", label)
	}
	if err != nil {
		return nil, err
	}
	ap.ApprovalType = schema.ApprovalType(apType)
	ap.Status = schema.ApprovalStatus(status)
	ap.ApproverID = approverID.String
	ap.ApproverRole = approverRole.String
	ap.Comments = comments.String
	if respondedAt.Valid {
		ap.RespondedAt = &respondedAt.Time
	}
	return ap, nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, stepInstanceID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_instance_id, approval_type, approver_id, approver_role, level, status, comments, responded_at, created_at
		 FROM workflow_approvals WHERE step_instance_id = ? ORDER BY level ASC, created_at ASC`, stepInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap, err := scanApproval(rows, "")
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Comments != nil {
		sets = append(sets, "comments = ?")
		args = append(args, nullStr(*update.Comments))
	}
	if update.ApproverID != nil {
		sets = append(sets, "approver_id = ?")
		args = append(args, nullStr(*update.ApproverID))
	}
	if update.RespondedAt != nil {
		sets = append(sets, "responded_at = ?")
		args = append(args, *update.RespondedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_approvals SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

// --- Idempotency keys ---

// ClaimIdempotencyKey atomically inserts the claim row. If the key already
// exists the existing row is returned with claimed=false — the documented
// replay path, not an error.
func (s *LibSQLStore) ClaimIdempotencyKey(ctx context.Context, key *IdempotencyKey) (bool, *IdempotencyKey, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status, instance_id, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key.Key, key.Status, nullStr(key.InstanceID), nullRaw(key.Payload),
		timeOrNow(key.CreatedAt), key.ExpiresAt,
	)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n > 0 {
		return true, nil, nil
	}

	existing := &IdempotencyKey{}
	var instanceID, payload sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT key, status, instance_id, payload, created_at, expires_at FROM idempotency_keys WHERE key = ?`,
		key.Key,
	).Scan(&existing.Key, &existing.Status, &instanceID, &payload, &existing.CreatedAt, &existing.ExpiresAt)
	if err != nil {
		return false, nil, err
	}
	existing.InstanceID = instanceID.String
	existing.Payload = rawOrNil(payload)
	return false, existing, nil
}

func (s *LibSQLStore) AttachInstanceToKey(ctx context.Context, key, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET instance_id = ?, status = 'completed' WHERE key = ?`,
		instanceID, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "idempotency_key", key)
}

func (s *LibSQLStore) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Retention ---

// PurgeTerminalInstancesBefore removes terminal instances older than the
// cutoff together with their step instances, approvals, and transition rows.
func (s *LibSQLStore) PurgeTerminalInstancesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const candidates = `SELECT id FROM workflow_instances
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at <= ?`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_approvals WHERE step_instance_id IN
		 (SELECT id FROM workflow_step_instances WHERE instance_id IN (`+candidates+`))`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_step_instances WHERE instance_id IN (`+candidates+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_transitions WHERE instance_id IN (`+candidates+`)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_instances
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func stepsOrEmpty(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
