package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) WithStudentTx(ctx context.Context, studentID string, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&locked)
	if err != nil {
		_ = tx.Rollback(ctx)
		return translate(err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ReadStudent(ctx context.Context, studentID string, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM students WHERE id = $1`, studentID).Scan(&id); err != nil {
		return translate(err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const studentColumns = `id, student_code, email, password_hash, full_name, is_active, created_at`

func scanStudent(row pgx.Row) (model.Student, error) {
	var st model.Student
	err := row.Scan(&st.ID, &st.Code, &st.Email, &st.PasswordHash, &st.FullName, &st.Active, &st.CreatedAt)
	return st, translate(err)
}

func (s *PostgresStore) GetStudentByID(ctx context.Context, id string) (model.Student, error) {
	return scanStudent(s.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
}

func (s *PostgresStore) GetStudentByEmail(ctx context.Context, email string) (model.Student, error) {
	return scanStudent(s.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE lower(email) = lower($1)`, email))
}

func (s *PostgresStore) GetStudentByCode(ctx context.Context, code string) (model.Student, error) {
	return scanStudent(s.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE student_code = $1`, code))
}

func (s *PostgresStore) GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	return findDeviceByDeviceID(ctx, s.pool, deviceID)
}

func (s *PostgresStore) ListDevices(ctx context.Context, studentID string) ([]model.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM student_devices
		WHERE student_id = $1
		ORDER BY created_at DESC
	`, studentID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, translate(rows.Err())
}

func (s *PostgresStore) GetSwitchRequest(ctx context.Context, id string) (model.SwitchRequest, error) {
	return getSwitchRequest(ctx, s.pool, id)
}

func (s *PostgresStore) ListSwitchRequests(ctx context.Context, filter SwitchRequestFilter) ([]model.SwitchRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}
	query := `SELECT ` + switchRequestColumns + ` FROM device_switch_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY requested_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return querySwitchRequests(ctx, s.pool, query, args...)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, requestedBefore time.Time, limit int) ([]model.SwitchRequest, error) {
	return querySwitchRequests(ctx, s.pool, `
		SELECT `+switchRequestColumns+`
		FROM device_switch_requests
		WHERE status = 'pending' AND requested_at <= $1
		ORDER BY requested_at ASC
		LIMIT $2
	`, requestedBefore, clampLimit(limit))
}

func (s *PostgresStore) AppendActivity(ctx context.Context, entry model.ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := marshalMap(entry.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_activity_log (id, student_id, device_id, activity_type, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, nullableString(entry.StudentID), entry.DeviceID, string(entry.Type), payload, entry.CreatedAt)
	return translate(err)
}

func (s *PostgresStore) ListActivity(ctx context.Context, studentID string, limit int) ([]model.ActivityLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(student_id::text, ''), device_id, activity_type, context, created_at
		FROM device_activity_log
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, studentID, clampLimit(limit))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var entries []model.ActivityLogEntry
	for rows.Next() {
		var (
			entry   model.ActivityLogEntry
			kind    string
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.StudentID, &entry.DeviceID, &kind, &payload, &entry.CreatedAt); err != nil {
			return nil, translate(err)
		}
		entry.Type = model.ActivityType(kind)
		if entry.Context, err = unmarshalMap(payload); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, translate(rows.Err())
}

type pgTx struct {
	q querier
}

const deviceColumns = `id, student_id, device_id, metadata, is_active, activated_at, last_seen_at, deactivated_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		device   model.Device
		metadata []byte
	)
	err := row.Scan(&device.ID, &device.StudentID, &device.DeviceID, &metadata, &device.Active,
		&device.ActivatedAt, &device.LastSeenAt, &device.DeactivatedAt, &device.CreatedAt)
	if err != nil {
		return model.Device{}, translate(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &device.Metadata); err != nil {
			return model.Device{}, err
		}
	}
	return device, nil
}

func findDeviceByDeviceID(ctx context.Context, q querier, deviceID string) (model.Device, error) {
	return scanDevice(q.QueryRow(ctx, `SELECT `+deviceColumns+` FROM student_devices WHERE device_id = $1`, deviceID))
}

func (t *pgTx) FindActiveDevice(ctx context.Context, studentID string) (model.Device, error) {
	return scanDevice(t.q.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM student_devices
		WHERE student_id = $1 AND is_active
	`, studentID))
}

func (t *pgTx) FindDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	return findDeviceByDeviceID(ctx, t.q, deviceID)
}

func (t *pgTx) CountDevices(ctx context.Context, studentID string) (int, error) {
	var count int
	err := t.q.QueryRow(ctx, `SELECT count(*) FROM student_devices WHERE student_id = $1`, studentID).Scan(&count)
	return count, translate(err)
}

func (t *pgTx) DeactivateDevicesExcept(ctx context.Context, studentID, keepDeviceID string, at time.Time) ([]string, error) {
	rows, err := t.q.Query(ctx, `
		UPDATE student_devices
		SET is_active = false, deactivated_at = $3
		WHERE student_id = $1 AND is_active AND device_id <> $2
		RETURNING device_id
	`, studentID, keepDeviceID, at)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate(err)
		}
		ids = append(ids, id)
	}
	return ids, translate(rows.Err())
}

func (t *pgTx) UpsertActiveDevice(ctx context.Context, studentID, deviceID string, meta model.DeviceMetadata, at time.Time) (model.Device, error) {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return model.Device{}, err
	}
	// A single conditional upsert: the device row is claimed only when it is
	// new, already ours, or inactive elsewhere.
	device, err := scanDevice(t.q.QueryRow(ctx, `
		INSERT INTO student_devices (id, student_id, device_id, metadata, is_active, activated_at, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, true, $5, $5, $5)
		ON CONFLICT (device_id) DO UPDATE
		SET student_id = EXCLUDED.student_id,
		    metadata = EXCLUDED.metadata,
		    is_active = true,
		    activated_at = EXCLUDED.activated_at,
		    last_seen_at = EXCLUDED.last_seen_at,
		    deactivated_at = NULL
		WHERE student_devices.student_id = EXCLUDED.student_id OR NOT student_devices.is_active
		RETURNING `+deviceColumns, uuid.NewString(), studentID, deviceID, metadata, at))
	if errors.Is(err, ErrNotFound) {
		return model.Device{}, ErrDeviceOwnedElsewhere
	}
	return device, err
}

func (t *pgTx) TouchDevice(ctx context.Context, studentID, deviceID string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE student_devices
		SET last_seen_at = $3
		WHERE student_id = $1 AND device_id = $2
	`, studentID, deviceID, at)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeactivateDevice(ctx context.Context, studentID, deviceID string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE student_devices
		SET is_active = false, deactivated_at = $3
		WHERE student_id = $1 AND device_id = $2 AND is_active
	`, studentID, deviceID, at)
	if err != nil {
		return false, translate(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	err = t.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM student_devices WHERE student_id = $1 AND device_id = $2)
	`, studentID, deviceID).Scan(&exists)
	if err != nil {
		return false, translate(err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

const switchRequestColumns = `id, student_id, old_device_id, new_device_id, new_device_metadata, reason, status,
	requested_at, approved_at, rejected_at, reviewed_by, rejection_reason, completed_at, additional_info`

func scanSwitchRequest(row rowScanner) (model.SwitchRequest, error) {
	var (
		req      model.SwitchRequest
		status   string
		metadata []byte
		info     []byte
	)
	err := row.Scan(&req.ID, &req.StudentID, &req.OldDeviceID, &req.NewDeviceID, &metadata, &req.Reason, &status,
		&req.RequestedAt, &req.ApprovedAt, &req.RejectedAt, &req.ReviewedBy, &req.RejectionReason, &req.CompletedAt, &info)
	if err != nil {
		return model.SwitchRequest{}, translate(err)
	}
	req.Status = model.SwitchStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &req.NewDeviceMetadata); err != nil {
			return model.SwitchRequest{}, err
		}
	}
	if req.AdditionalInfo, err = unmarshalMap(info); err != nil {
		return model.SwitchRequest{}, err
	}
	return req, nil
}

func getSwitchRequest(ctx context.Context, q querier, id string) (model.SwitchRequest, error) {
	return scanSwitchRequest(q.QueryRow(ctx, `SELECT `+switchRequestColumns+` FROM device_switch_requests WHERE id = $1`, id))
}

func querySwitchRequests(ctx context.Context, q querier, query string, args ...any) ([]model.SwitchRequest, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out []model.SwitchRequest
	for rows.Next() {
		req, err := scanSwitchRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, translate(rows.Err())
}

func (t *pgTx) GetSwitchRequest(ctx context.Context, id string) (model.SwitchRequest, error) {
	return getSwitchRequest(ctx, t.q, id)
}

func (t *pgTx) FindOpenSwitchRequest(ctx context.Context, studentID, newDeviceID string) (model.SwitchRequest, error) {
	return scanSwitchRequest(t.q.QueryRow(ctx, `
		SELECT `+switchRequestColumns+`
		FROM device_switch_requests
		WHERE student_id = $1 AND new_device_id = $2
		  AND (status = 'pending' OR (status = 'approved' AND completed_at IS NULL))
		ORDER BY requested_at DESC
		LIMIT 1
	`, studentID, newDeviceID))
}

func (t *pgTx) ListOpenSwitchRequests(ctx context.Context, studentID string) ([]model.SwitchRequest, error) {
	return querySwitchRequests(ctx, t.q, `
		SELECT `+switchRequestColumns+`
		FROM device_switch_requests
		WHERE student_id = $1
		  AND (status = 'pending' OR (status = 'approved' AND completed_at IS NULL))
		ORDER BY requested_at ASC
	`, studentID)
}

func (t *pgTx) InsertSwitchRequest(ctx context.Context, req model.SwitchRequest) error {
	metadata, err := json.Marshal(req.NewDeviceMetadata)
	if err != nil {
		return err
	}
	info, err := marshalMap(req.AdditionalInfo)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO device_switch_requests (id, student_id, old_device_id, new_device_id, new_device_metadata, reason, status,
			requested_at, approved_at, rejected_at, reviewed_by, rejection_reason, completed_at, additional_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, req.ID, req.StudentID, req.OldDeviceID, req.NewDeviceID, metadata, req.Reason, string(req.Status),
		req.RequestedAt, req.ApprovedAt, req.RejectedAt, req.ReviewedBy, req.RejectionReason, req.CompletedAt, info)
	return translate(err)
}

func (t *pgTx) UpdateSwitchRequest(ctx context.Context, req model.SwitchRequest) error {
	info, err := marshalMap(req.AdditionalInfo)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE device_switch_requests
		SET status = $2, approved_at = $3, rejected_at = $4, reviewed_by = $5,
		    rejection_reason = $6, completed_at = $7, additional_info = $8
		WHERE id = $1
	`, req.ID, string(req.Status), req.ApprovedAt, req.RejectedAt, req.ReviewedBy, req.RejectionReason, req.CompletedAt, info)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// translate maps driver errors onto the package sentinels. Malformed uuids
// are treated as missing rows.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "22P02":
			return ErrNotFound
		}
	}
	return err
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(payload []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
