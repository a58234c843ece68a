package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

type slotRecordRepository struct {
	db *sql.DB
}

// NewSlotRecordRepository создаёт PostgreSQL-реализацию SlotRecordRepository.
func NewSlotRecordRepository(store *Store) domain.SlotRecordRepository {
	return &slotRecordRepository{db: store.DB()}
}

const slotRecordColumns = `id, template_id, booking_date, status, operator_id, operator_source, updated_at`

func (r *slotRecordRepository) Get(ctx context.Context, id string) (domain.SlotRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec, err := scanSlotRecord(r.db.QueryRowContext(ctx, `
		SELECT `+slotRecordColumns+`
		FROM slot_records
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SlotRecord{}, domain.ErrSlotNotFound
		}
		return domain.SlotRecord{}, fmt.Errorf("select slot record: %w", err)
	}

	return rec, nil
}

func (r *slotRecordRepository) FindForDate(ctx context.Context, keys []domain.SlotKey) ([]domain.SlotRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Ключи делят одну дату; запрос по дате с фильтром по шаблонам.
	templateIDs := make([]int64, 0, len(keys))
	for _, key := range keys {
		templateIDs = append(templateIDs, key.TemplateID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotRecordColumns+`
		FROM slot_records
		WHERE booking_date = $1
		  AND template_id = ANY($2)
		ORDER BY template_id
	`, keys[0].BookingDate, templateIDs)
	if err != nil {
		return nil, fmt.Errorf("find slot records: %w", err)
	}
	defer rows.Close()

	return collectSlotRecords(rows)
}

// ReserveAll занимает все ключи одной транзакцией. Строки существующих
// записей блокируются FOR UPDATE в детерминированном порядке, затем
// применяются условные обновления. Несработавшее условное обновление после
// успешной проверки под row-lock означает нарушение инварианта.
func (r *slotRecordRepository) ReserveAll(ctx context.Context, keys []domain.SlotKey, operatorID, operatorSource string) ([]domain.SlotRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	sorted := make([]domain.SlotKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LockKey() < sorted[j].LockKey() })

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Округление до микросекунд: timestamptz хранит именно их, а
	// updated_at используется как отпечаток при условном освобождении.
	now := time.Now().UTC().Truncate(time.Microsecond)
	result := make([]domain.SlotRecord, 0, len(sorted))

	for _, key := range sorted {
		var (
			existingID string
			status     string
		)
		err = tx.QueryRowContext(ctx, `
			SELECT id, status
			FROM slot_records
			WHERE template_id = $1 AND booking_date = $2
			FOR UPDATE
		`, key.TemplateID, key.BookingDate).Scan(&existingID, &status)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = nil
			rec := domain.SlotRecord{
				ID:             uuid.NewString(),
				TemplateID:     key.TemplateID,
				BookingDate:    key.BookingDate,
				Status:         domain.SlotStatusLockedIn,
				OperatorID:     operatorID,
				OperatorSource: operatorSource,
				UpdatedAt:      now,
			}
			var res sql.Result
			res, err = tx.ExecContext(ctx, `
				INSERT INTO slot_records (id, template_id, booking_date, status, operator_id, operator_source, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (template_id, booking_date) DO NOTHING
			`, rec.ID, rec.TemplateID, rec.BookingDate, string(rec.Status), rec.OperatorID, rec.OperatorSource, rec.UpdatedAt)
			if err != nil {
				return nil, fmt.Errorf("insert slot record: %w", err)
			}
			var affected int64
			affected, err = res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				// Запись появилась между проверкой и вставкой — кто-то
				// пишет этот ключ мимо лока.
				err = domain.ErrPartialConflict
				return nil, err
			}
			result = append(result, rec)

		case err != nil:
			return nil, fmt.Errorf("lock slot record row: %w", err)

		default:
			if domain.SlotStatus(status) != domain.SlotStatusAvailable {
				err = domain.ErrSlotsUnavailable
				return nil, err
			}
			var res sql.Result
			res, err = tx.ExecContext(ctx, `
				UPDATE slot_records
				SET status = $2,
				    operator_id = $3,
				    operator_source = $4,
				    updated_at = $5
				WHERE id = $1 AND status = $6
			`, existingID, string(domain.SlotStatusLockedIn), operatorID, operatorSource, now, string(domain.SlotStatusAvailable))
			if err != nil {
				return nil, fmt.Errorf("reserve slot record: %w", err)
			}
			var affected int64
			affected, err = res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				err = domain.ErrPartialConflict
				return nil, err
			}
			result = append(result, domain.SlotRecord{
				ID:             existingID,
				TemplateID:     key.TemplateID,
				BookingDate:    key.BookingDate,
				Status:         domain.SlotStatusLockedIn,
				OperatorID:     operatorID,
				OperatorSource: operatorSource,
				UpdatedAt:      now,
			})
		}
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return result, nil
}

func (r *slotRecordRepository) ReleaseAll(ctx context.Context, recordIDs []string, operatorID string, fingerprint time.Time) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE slot_records
		SET status = $3,
		    operator_id = '',
		    operator_source = '',
		    updated_at = NOW()
		WHERE id = ANY($1::uuid[])
		  AND status = $4
		  AND operator_id = $2
	`
	args := []any{recordIDs, operatorID, string(domain.SlotStatusAvailable), string(domain.SlotStatusLockedIn)}
	if !fingerprint.IsZero() {
		query += ` AND updated_at = $5`
		args = append(args, fingerprint.UTC())
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("release slot records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(affected), nil
}

func (r *slotRecordRepository) UnavailableOnDate(ctx context.Context, bookingDate string) ([]domain.SlotRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotRecordColumns+`
		FROM slot_records
		WHERE booking_date = $1
		  AND status IN ($2, $3)
		ORDER BY template_id
	`, bookingDate, string(domain.SlotStatusLockedIn), string(domain.SlotStatusUnavailable))
	if err != nil {
		return nil, fmt.Errorf("select unavailable slots: %w", err)
	}
	defer rows.Close()

	return collectSlotRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlotRecord(row rowScanner) (domain.SlotRecord, error) {
	var rec domain.SlotRecord
	var status string
	if err := row.Scan(
		&rec.ID, &rec.TemplateID, &rec.BookingDate, &status,
		&rec.OperatorID, &rec.OperatorSource, &rec.UpdatedAt,
	); err != nil {
		return domain.SlotRecord{}, err
	}
	rec.Status = domain.SlotStatus(status)
	return rec, nil
}

func collectSlotRecords(rows *sql.Rows) ([]domain.SlotRecord, error) {
	result := make([]domain.SlotRecord, 0)
	for rows.Next() {
		rec, err := scanSlotRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot records: %w", err)
	}
	return result, nil
}

var _ domain.SlotRecordRepository = (*slotRecordRepository)(nil)
