package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

type slotTemplateRepository struct {
	db *sql.DB
}

// NewSlotTemplateRepository создаёт PostgreSQL-реализацию SlotTemplateRepository.
func NewSlotTemplateRepository(store *Store) domain.SlotTemplateRepository {
	return &slotTemplateRepository{db: store.DB()}
}

func (r *slotTemplateRepository) Get(ctx context.Context, id int64) (domain.SlotTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var tpl domain.SlotTemplate
	err := r.db.QueryRowContext(ctx, `
		SELECT id, court_id, start_time, end_time
		FROM slot_templates
		WHERE id = $1
	`, id).Scan(&tpl.ID, &tpl.CourtID, &tpl.StartTime, &tpl.EndTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SlotTemplate{}, domain.ErrTemplateNotFound
		}
		return domain.SlotTemplate{}, fmt.Errorf("select slot template: %w", err)
	}

	return tpl, nil
}

func (r *slotTemplateRepository) GetMany(ctx context.Context, ids []int64) ([]domain.SlotTemplate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, court_id, start_time, end_time
		FROM slot_templates
		WHERE id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("select slot templates: %w", err)
	}
	defer rows.Close()

	templates := make([]domain.SlotTemplate, 0, len(ids))
	for rows.Next() {
		var tpl domain.SlotTemplate
		if err := rows.Scan(&tpl.ID, &tpl.CourtID, &tpl.StartTime, &tpl.EndTime); err != nil {
			return nil, fmt.Errorf("scan slot template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot templates: %w", err)
	}

	if len(templates) != len(ids) {
		return nil, domain.ErrTemplateNotFound
	}

	return templates, nil
}

var _ domain.SlotTemplateRepository = (*slotTemplateRepository)(nil)
