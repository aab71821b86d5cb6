package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	slotColumns = []string{
		"id", "provider_id", "start_time", "end_time", "is_available", "claimed_at", "created_at", "updated_at",
	}
	appointmentColumns = []string{
		"id", "patient_id", "provider_id", "slot_id", "start_time", "end_time",
		"status", "notes", "video_room_id", "created_at", "updated_at",
	}
)

// queryer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBTX is what PgRepository needs from a pool.
type DBTX interface {
	queryer
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db DBTX
}

func NewPgRepository(db DBTX) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

func returning(cols []string) string {
	return "RETURNING " + strings.Join(cols, ", ")
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.StartTime,
		&s.EndTime,
		&s.IsAvailable,
		&s.ClaimedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.SlotID,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Notes,
		&a.VideoRoomID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Providers

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	query, args, err := psql.
		Select("id", "name", "specialty", "created_at", "updated_at").
		From("providers").
		Where(sq.Expr("id = ?", id)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build provider query: %w", err)
	}
	return scanProvider(r.db.QueryRow(ctx, query, args...))
}

// Slots

func claimSlot(ctx context.Context, q queryer, slotID uuid.UUID) (Claim, error) {
	query, args, err := psql.
		Update("availability_slots").
		Set("is_available", false).
		Set("claimed_at", sq.Expr("now()")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = ?", slotID)).
		Where("is_available = true").
		Suffix(returning(slotColumns)).
		ToSql()
	if err != nil {
		return Claim{}, fmt.Errorf("build claim query: %w", err)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return Claim{}, fmt.Errorf("claim slot: %w", err)
	}
	slots, err := collectSlots(rows)
	if err != nil {
		return Claim{}, fmt.Errorf("claim slot: %w", err)
	}

	if len(slots) == 0 {
		return Claim{RowsAffected: 0}, nil
	}
	return Claim{RowsAffected: int64(len(slots)), Slot: slots[0]}, nil
}

func (r *PgRepository) ClaimSlot(ctx context.Context, slotID uuid.UUID) (Claim, error) {
	return claimSlot(ctx, r.db, slotID)
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, slotID uuid.UUID) error {
	query, args, err := psql.
		Update("availability_slots").
		Set("is_available", true).
		Set("claimed_at", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = ?", slotID)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	query, args, err := psql.
		Select(slotColumns...).
		From("availability_slots").
		Where(sq.Expr("id = ?", slotID)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build slot query: %w", err)
	}
	return scanSlot(r.db.QueryRow(ctx, query, args...))
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, since time.Time, limit int) ([]Slot, error) {
	builder := psql.
		Select(slotColumns...).
		From("availability_slots").
		Where(sq.Expr("provider_id = ?", providerID)).
		Where("is_available = true").
		Where(sq.GtOrEq{"start_time": since}).
		OrderBy("start_time ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build available slots query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return collectSlots(rows)
}

func (r *PgRepository) CreateSlots(ctx context.Context, providerID uuid.UUID, windows []SlotWindow) ([]Slot, error) {
	if len(windows) == 0 {
		return nil, nil
	}

	builder := psql.
		Insert("availability_slots").
		Columns("id", "provider_id", "start_time", "end_time", "is_available")
	for _, w := range windows {
		builder = builder.Values(uuid.New(), providerID, w.StartTime, w.EndTime, true)
	}

	query, args, err := builder.Suffix(returning(slotColumns)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build slot insert: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err == nil {
		var slots []Slot
		slots, err = collectSlots(rows)
		if err == nil {
			return slots, nil
		}
	}
	if isUniqueViolation(err) {
		return nil, ErrSlotOverlap
	}
	return nil, fmt.Errorf("insert slots: %w", err)
}

func (r *PgRepository) SetSlotAvailability(ctx context.Context, providerID, slotID uuid.UUID, available bool) (*Slot, error) {
	query, args, err := psql.
		Update("availability_slots").
		Set("is_available", available).
		Set("claimed_at", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = ?", slotID)).
		Where(sq.Expr("provider_id = ?", providerID)).
		Suffix(returning(slotColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build availability update: %w", err)
	}
	return scanSlot(r.db.QueryRow(ctx, query, args...))
}

const orphanPredicate = `is_available = false
	AND claimed_at IS NOT NULL
	AND claimed_at < ?
	AND NOT EXISTS (
		SELECT 1 FROM appointments a
		WHERE a.slot_id = availability_slots.id
	)`

func (r *PgRepository) FindOrphanedSlots(ctx context.Context, claimedBefore time.Time, limit int) ([]Slot, error) {
	builder := psql.
		Select(slotColumns...).
		From("availability_slots").
		Where(orphanPredicate, claimedBefore).
		OrderBy("claimed_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build orphan query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find orphaned slots: %w", err)
	}
	return collectSlots(rows)
}

// ReleaseOrphanedSlot re-checks the orphan predicate in the UPDATE itself so a
// booking that completes between find and release is left alone.
func (r *PgRepository) ReleaseOrphanedSlot(ctx context.Context, slotID uuid.UUID, claimedBefore time.Time) (bool, error) {
	query, args, err := psql.
		Update("availability_slots").
		Set("is_available", true).
		Set("claimed_at", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = ?", slotID)).
		Where(orphanPredicate, claimedBefore).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build orphan release: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("release orphaned slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Appointments

func createAppointment(ctx context.Context, q queryer, in NewAppointment) (*Appointment, error) {
	query, args, err := psql.
		Insert("appointments").
		Columns("id", "patient_id", "provider_id", "slot_id", "start_time", "end_time", "status", "notes").
		Values(uuid.New(), in.PatientID, in.ProviderID, in.SlotID, in.StartTime, in.EndTime, string(StatusPending), in.Notes).
		Suffix(returning(appointmentColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build appointment insert: %w", err)
	}

	appt, err := scanAppointment(q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	return createAppointment(ctx, r.db, in)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query, args, err := psql.
		Select(appointmentColumns...).
		From("appointments").
		Where(sq.Expr("id = ?", id)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build appointment query: %w", err)
	}
	return scanAppointment(r.db.QueryRow(ctx, query, args...))
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	query, args, err := psql.
		Select(appointmentColumns...).
		From("appointments").
		Where(sq.Expr("patient_id = ?", patientID)).
		OrderBy("start_time ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build patient appointments query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	builder := psql.
		Select(appointmentColumns...).
		From("appointments").
		Where(sq.Expr("provider_id = ?", providerID))
	if status != nil {
		builder = builder.Where(sq.Eq{"status": string(*status)})
	}

	query, args, err := builder.
		OrderBy("start_time ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build provider appointments query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return collectAppointments(rows)
}

// UpdateAppointmentStatus only applies when the row is still in status from.
func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	query, args, err := psql.
		Update("appointments").
		Set("status", string(to)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = ?", id)).
		Where(sq.Eq{"status": string(from)}).
		Suffix(returning(appointmentColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build status update: %w", err)
	}
	return scanAppointment(r.db.QueryRow(ctx, query, args...))
}

// Transactions

// BookAtomically claims the slot and inserts its pending appointment in one
// transaction. Nothing is committed unless both statements succeed.
func (r *PgRepository) BookAtomically(ctx context.Context, slotID, patientID uuid.UUID, notes *string) (Claim, *Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Claim{}, nil, fmt.Errorf("begin booking tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	claim, err := claimSlot(ctx, tx, slotID)
	if err != nil {
		return Claim{}, nil, err
	}
	if claim.RowsAffected == 0 {
		return claim, nil, nil
	}

	appt, err := createAppointment(ctx, tx, NewAppointmentFromSlot(claim.Slot, patientID, notes))
	if err != nil {
		return claim, nil, fmt.Errorf("%w: %v", ErrAppointmentCreate, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, nil, fmt.Errorf("commit booking tx: %w", err)
	}
	return claim, appt, nil
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query, args, err := psql.
		Insert("event_logs").
		Columns("event_type", "appointment_id", "slot_id", "payload", "created_at").
		Values(ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, createdAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
