package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/digkill/AIImageBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `user_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), credits, subscription_active, subscription_end_date, created_at, last_active`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var end sql.NullTime
	if err := row.Scan(&u.UserID, &u.Username, &u.FirstName, &u.LastName, &u.Credits, &u.SubscriptionActive, &end, &u.CreatedAt, &u.LastActiveAt); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		u.SubscriptionEndDate = &t
	}
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID int64) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE user_id = ?`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan user", err)
	}
	return u, nil
}

// InsertIfAbsent reports created=false when the row already exists.
func (r *UserRepository) InsertIfAbsent(ctx context.Context, user *models.User) (bool, error) {
	const query = `
INSERT IGNORE INTO users (user_id, username, first_name, last_name, credits, subscription_active, created_at, last_active)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, FALSE, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, user.UserID, user.Username, user.FirstName, user.LastName, user.Credits, user.CreatedAt, user.LastActiveAt)
	if err != nil {
		return false, classify("insert user", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("insert user rows affected", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, p models.Profile, at time.Time) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), last_active = ?
WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, p.Username, p.FirstName, p.LastName, at, p.UserID); err != nil {
		return classify("update profile", err)
	}
	return nil
}

func (r *UserRepository) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	const query = `UPDATE users SET last_active = ? WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, at, userID); err != nil {
		return classify("touch activity", err)
	}
	return nil
}

// ConsumeCredit decrements credits only while they are positive, so the
// check and the write are one statement.
func (r *UserRepository) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	const query = `UPDATE users SET credits = credits - 1 WHERE user_id = ? AND credits > 0`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return false, classify("consume credit", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("consume credit rows affected", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) AddCredits(ctx context.Context, userID int64, amount int) (bool, error) {
	const query = `UPDATE users SET credits = credits + ? WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return false, classify("add credits", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("add credits rows affected", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) SetSubscription(ctx context.Context, userID int64, end time.Time) (bool, error) {
	const query = `UPDATE users SET subscription_active = TRUE, subscription_end_date = ? WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, query, end, userID)
	if err != nil {
		return false, classify("set subscription", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("set subscription rows affected", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) ListIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT user_id FROM users ORDER BY user_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("list user ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan user id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate user ids", err)
	}
	return ids, nil
}

func (r *UserRepository) Counts(ctx context.Context, now time.Time) (total, subscribers int64, err error) {
	const query = `
SELECT COUNT(*), COALESCE(SUM(subscription_active = TRUE AND subscription_end_date > ?), 0)
FROM users`
	if err := r.db.QueryRowContext(ctx, query, now).Scan(&total, &subscribers); err != nil {
		return 0, 0, classify("count users", err)
	}
	return total, subscribers, nil
}
