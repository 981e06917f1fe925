package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sitewright/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EnsureProject inserts the project row if it is not there yet.
func (r Repo) EnsureProject(ctx context.Context, id, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, id, createdAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,created_at FROM projects WHERE id=?`, id).Scan(&p.ID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,project_id,goal,model,status,used_steps,created_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Goal, run.Model, string(run.Status), run.UsedSteps, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (r Repo) FinishRun(ctx context.Context, id string, status domain.RunStatus, usedSteps int, errText, finishedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, used_steps=?, error=?, finished_at=? WHERE id=?`,
		string(status), usedSteps, nullable(errText), finishedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id,project_id,goal,model,status,used_steps,COALESCE(error,''),created_at,COALESCE(finished_at,'')`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var status string
	err := scan(&run.ID, &run.ProjectID, &run.Goal, &run.Model, &status, &run.UsedSteps, &run.Error, &run.CreatedAt, &run.FinishedAt)
	run.Status = domain.RunStatus(status)
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

type RunFilter struct {
	ProjectID string
	Status    domain.RunStatus
	Limit     int
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
