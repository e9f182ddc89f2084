package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crowdfundBack/internal/models"
)

type UserRepository struct {
	DB     *sql.DB
	Driver string
}

func NewUserRepository(db *sql.DB, driver string) *UserRepository {
	return &UserRepository{DB: db, Driver: driver}
}

// GetUser returns the user with the contribution history in settlement order.
func (r *UserRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		u         models.User
		updatedAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, Rebind(r.Driver, `SELECT id, name, email, version, created_at, updated_at FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Version, &u.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if updatedAt.Valid {
		u.UpdatedAt = &updatedAt.Time
	}

	u.BackedProjects, err = r.ListBackedProjects(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (r *UserRepository) ListBackedProjects(ctx context.Context, userID string) ([]models.BackedProject, error) {
	rows, err := r.DB.QueryContext(ctx, Rebind(r.Driver, `SELECT project_id, amount, backed_at, order_id FROM user_backed_projects WHERE user_id = ? ORDER BY backed_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list backed projects: %w", err)
	}
	defer rows.Close()

	history := []models.BackedProject{}
	for rows.Next() {
		var bp models.BackedProject
		if err := rows.Scan(&bp.ProjectID, &bp.Amount, &bp.Date, &bp.OrderID); err != nil {
			return nil, err
		}
		history = append(history, bp)
	}
	return history, rows.Err()
}
