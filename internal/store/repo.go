package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// Repository is the single pg access point. go-pg queries carry their own
// connection handling; ctx flows through for cancellation.
type Repository struct {
	db *pg.DB
}

func NewRepository(db *pg.DB) *Repository {
	return &Repository{db: db}
}

// NewID 返回 12 位不透明短 id，session 和 run 共用同一个生成器。
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:12]
}

// ── workspaces ──────────────────────────────────────────────────────────

func (r *Repository) CreateWorkspace(ctx context.Context, w *WorkspaceModel) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	_, err := r.db.ModelContext(ctx, w).Insert()
	return err
}

func (r *Repository) GetWorkspace(ctx context.Context, id string) (*WorkspaceModel, error) {
	w := &WorkspaceModel{ID: id}
	err := r.db.ModelContext(ctx, w).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (r *Repository) UpdateWorkspaceStatus(ctx context.Context, id string, status WorkspaceStatus, containerID string) error {
	_, err := r.db.ModelContext(ctx, &WorkspaceModel{}).
		Set("status = ?, container_id = ?, updated_at = now()", status, containerID).
		Where("id = ?", id).
		Update()
	return err
}

func (r *Repository) ListWorkspacesByUser(ctx context.Context, userID string) ([]WorkspaceModel, error) {
	var models []WorkspaceModel
	err := r.db.ModelContext(ctx, &models).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Select()
	return models, err
}

func (r *Repository) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := r.db.ModelContext(ctx, &WorkspaceModel{ID: id}).WherePK().Delete()
	return err
}

// ── sessions ────────────────────────────────────────────────────────────

func (r *Repository) CreateSession(ctx context.Context, s *SessionModel) error {
	s.CreatedAt = time.Now()
	s.LastSeenAt = s.CreatedAt
	_, err := r.db.ModelContext(ctx, s).Insert()
	return err
}

func (r *Repository) GetSession(ctx context.Context, id string) (*SessionModel, error) {
	s := &SessionModel{ID: id}
	err := r.db.ModelContext(ctx, s).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// UpdateSessionStatus moves a session row; terminated is terminal and stamps
// closed_at.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	q := r.db.ModelContext(ctx, &SessionModel{}).
		Set("status = ?, last_seen_at = now()", status).
		Where("id = ?", id)
	if status == SessionTerminated {
		q = q.Set("closed_at = now()")
	}
	_, err := q.Update()
	return err
}

func (r *Repository) UpdateSessionGeometry(ctx context.Context, id string, cols, rows int) error {
	_, err := r.db.ModelContext(ctx, &SessionModel{}).
		Set("cols = ?, rows = ?, last_seen_at = now()", cols, rows).
		Where("id = ?", id).
		Update()
	return err
}

func (r *Repository) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]SessionModel, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Select()
	return models, err
}

func (r *Repository) ListSessionsByStatus(ctx context.Context, statuses []SessionStatus) ([]SessionModel, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(statuses)).
		Order("created_at DESC").
		Select()
	return models, err
}

// ── workflows / runs ────────────────────────────────────────────────────

func (r *Repository) CreateWorkflow(ctx context.Context, w *WorkflowModel) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	_, err := r.db.ModelContext(ctx, w).Insert()
	return err
}

func (r *Repository) GetWorkflow(ctx context.Context, id string) (*WorkflowModel, error) {
	w := &WorkflowModel{ID: id}
	err := r.db.ModelContext(ctx, w).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (r *Repository) CreateRun(ctx context.Context, run *WorkflowRunModel) error {
	run.CreatedAt = time.Now()
	_, err := r.db.ModelContext(ctx, run).Insert()
	return err
}

func (r *Repository) GetRun(ctx context.Context, id string) (*WorkflowRunModel, error) {
	run := &WorkflowRunModel{ID: id}
	err := r.db.ModelContext(ctx, run).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (r *Repository) MarkRunStarted(ctx context.Context, id string) error {
	_, err := r.db.ModelContext(ctx, &WorkflowRunModel{}).
		Set("status = ?, started_at = now()", RunRunning).
		Where("id = ?", id).
		Update()
	return err
}

// FinishRun persists the terminal status together with the accumulated step
// results in one update.
func (r *Repository) FinishRun(ctx context.Context, id string, status RunStatus, results any, runErr string) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = r.db.ModelContext(ctx, &WorkflowRunModel{}).
		Set("status = ?, results = ?, error = ?, completed_at = now()", status, string(data), runErr).
		Where("id = ?", id).
		Update()
	return err
}

func (r *Repository) UpdateRunStatus(ctx context.Context, id string, status RunStatus, runErr string) error {
	_, err := r.db.ModelContext(ctx, &WorkflowRunModel{}).
		Set("status = ?, error = ?, completed_at = now()", status, runErr).
		Where("id = ?", id).
		Update()
	return err
}

func (r *Repository) ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]WorkflowRunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []WorkflowRunModel
	err := r.db.ModelContext(ctx, &models).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Limit(limit).
		Select()
	return models, err
}

// ── secrets ─────────────────────────────────────────────────────────────

func (r *Repository) UpsertSecret(ctx context.Context, s *SecretModel) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.db.ModelContext(ctx, s).
		OnConflict("(workspace_id, name) DO UPDATE").
		Set("ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at").
		Insert()
	return err
}

func (r *Repository) GetSecret(ctx context.Context, workspaceID, name string) (*SecretModel, error) {
	s := &SecretModel{}
	err := r.db.ModelContext(ctx, s).
		Where("workspace_id = ?", workspaceID).
		Where("name = ?", name).
		Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *Repository) ListSecrets(ctx context.Context, workspaceID string) ([]SecretModel, error) {
	var models []SecretModel
	err := r.db.ModelContext(ctx, &models).
		Where("workspace_id = ?", workspaceID).
		Order("name ASC").
		Select()
	return models, err
}

func (r *Repository) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	res, err := r.db.ModelContext(ctx, &SecretModel{}).
		Where("workspace_id = ?", workspaceID).
		Where("name = ?", name).
		Delete()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ── apps ────────────────────────────────────────────────────────────────

func (r *Repository) GetAppByName(ctx context.Context, name string) (*AppModel, error) {
	app := &AppModel{}
	err := r.db.ModelContext(ctx, app).Where("name = ?", name).Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	return app, err
}

func (r *Repository) RecordAppInstall(ctx context.Context, workspaceID, appID string) error {
	install := &AppInstallModel{
		ID:          NewID(),
		WorkspaceID: workspaceID,
		AppID:       appID,
		InstalledAt: time.Now(),
	}
	_, err := r.db.ModelContext(ctx, install).Insert()
	return err
}

// ── auth tokens ─────────────────────────────────────────────────────────

// GetAuthToken resolves a bearer token, refusing expired rows.
func (r *Repository) GetAuthToken(ctx context.Context, token string) (*AuthTokenModel, error) {
	t := &AuthTokenModel{Token: token}
	err := r.db.ModelContext(ctx, t).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return t, nil
}
