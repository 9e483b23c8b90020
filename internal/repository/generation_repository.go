package repository

import (
	"context"
	"database/sql"

	"github.com/digkill/AIImageBot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Create(ctx context.Context, g *models.Generation) (int64, error) {
	const query = `
INSERT INTO generations (user_id, prompt, result_locator, created_at)
VALUES (?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, g.UserID, g.Prompt, g.ResultLocator, g.CreatedAt)
	if err != nil {
		return 0, classify("insert generation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("last insert id", err)
	}
	g.ID = id
	return id, nil
}

func (r *GenerationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations`).Scan(&n); err != nil {
		return 0, classify("count generations", err)
	}
	return n, nil
}
