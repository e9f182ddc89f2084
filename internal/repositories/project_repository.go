package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crowdfundBack/internal/models"
)

type ProjectRepository struct {
	DB     *sql.DB
	Driver string
}

func NewProjectRepository(db *sql.DB, driver string) *ProjectRepository {
	return &ProjectRepository{DB: db, Driver: driver}
}

const projectColumns = `id, title, creator_id, target_amount, current_amount, status, deadline, version, created_at, updated_at`

func (r *ProjectRepository) q(query string) string { return Rebind(r.Driver, query) }

// GetProject loads the project row together with its rewards and backers.
func (r *ProjectRepository) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project %s: %w", id, err)
	}

	if p.Rewards, err = r.listRewards(ctx, id); err != nil {
		return models.Project{}, err
	}
	if p.Backers, err = r.listBackers(ctx, id); err != nil {
		return models.Project{}, err
	}
	return p, nil
}

func (r *ProjectRepository) listRewards(ctx context.Context, projectID string) ([]models.Reward, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id, title, amount FROM project_rewards WHERE project_id = ? ORDER BY amount, id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []models.Reward
	for rows.Next() {
		var rw models.Reward
		if err := rows.Scan(&rw.ID, &rw.Title, &rw.Amount); err != nil {
			return nil, err
		}
		rewards = append(rewards, rw)
	}
	return rewards, rows.Err()
}

func (r *ProjectRepository) listBackers(ctx context.Context, projectID string) ([]models.Backer, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT user_id, amount, backed_at, order_id FROM project_backers WHERE project_id = ? ORDER BY backed_at, id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list backers: %w", err)
	}
	defer rows.Close()

	var backers []models.Backer
	for rows.Next() {
		var b models.Backer
		if err := rows.Scan(&b.UserID, &b.Amount, &b.Date, &b.OrderID); err != nil {
			return nil, err
		}
		backers = append(backers, b)
	}
	return backers, rows.Err()
}

// SaveProject persists the descriptive fields and status of p. Funding totals
// and backers are owned by the settlement ledger and are never written here.
// The write only succeeds against the version that was read.
func (r *ProjectRepository) SaveProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	var deadline sql.NullTime
	if !p.Deadline.IsZero() {
		deadline = sql.NullTime{Time: p.Deadline, Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE projects SET title = ?, status = ?, deadline = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`),
		p.Title, string(p.Status), deadline, now, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

// ListExpiredActive returns active, unfunded projects whose deadline is before now.
func (r *ProjectRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]models.Project, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects
		WHERE status = 'active' AND deadline IS NOT NULL AND deadline < ? AND current_amount < target_amount
		ORDER BY deadline`), now)
	if err != nil {
		return nil, fmt.Errorf("list expired projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(s rowScanner) (models.Project, error) {
	var (
		p        models.Project
		status   string
		deadline sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.Title, &p.CreatorID, &p.TargetAmount, &p.CurrentAmount, &status, &deadline, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Project{}, err
	}
	p.Status = models.ProjectStatus(status)
	if deadline.Valid {
		p.Deadline = deadline.Time
	}
	return p, nil
}
