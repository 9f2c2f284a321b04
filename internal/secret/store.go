package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"termflux/internal/container"
	"termflux/internal/store"
)

var (
	ErrValidation = errors.New("invalid secret")

	ErrDecrypt = errors.New("failed to decrypt secret")

	ErrNotFound = errors.New("secret not found")
)

var nameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

const (
	// SecretsFile 在容器内被 .bashrc source，交互 shell 自动拿到环境变量
	SecretsFile = container.HomeDir + "/.termflux_secrets"

	bashrcPath     = container.HomeDir + "/.bashrc"
	secretSentinel = "# termflux: workspace secrets"
)

// Repo 是 Store 需要的关系库子集，测试里用内存实现替换。
type Repo interface {
	UpsertSecret(ctx context.Context, s *store.SecretModel) error
	GetSecret(ctx context.Context, workspaceID, name string) (*store.SecretModel, error)
	ListSecrets(ctx context.Context, workspaceID string) ([]store.SecretModel, error)
	DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error)
}

// Runner 是注入密文文件所需的容器操作子集。
type Runner interface {
	WriteFile(ctx context.Context, workspaceID, path string, content []byte, mode int64) error
	AppendLineOnce(ctx context.Context, workspaceID, path, sentinel, line string) error
}

// Info is the listing shape; plaintext is never part of it.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps per-workspace secrets envelope-encrypted under a process-wide
// master key.
type Store struct {
	repo      Repo
	runner    Runner
	masterKey []byte
	logger    *slog.Logger
}

func NewStore(repo Repo, runner Runner, masterKey string, logger *slog.Logger) *Store {
	return &Store{
		repo:      repo,
		runner:    runner,
		masterKey: []byte(masterKey),
		logger:    logger.With("component", "secret-store"),
	}
}

// Set upserts a secret by (workspace, name). The name must match
// ^[A-Z_][A-Z0-9_]*$.
func (s *Store) Set(ctx context.Context, workspaceID, name, value string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrValidation, name, nameRe.String())
	}

	blob, err := encrypt(s.masterKey, []byte(value))
	if err != nil {
		return err
	}

	err = s.repo.UpsertSecret(ctx, &store.SecretModel{
		WorkspaceID: workspaceID,
		Name:        name,
		Ciphertext:  blob,
	})
	if err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}

	s.logger.Info("Secret set", "workspace_id", workspaceID, "name", name)
	return nil
}

func (s *Store) Get(ctx context.Context, workspaceID, name string) (string, error) {
	model, err := s.repo.GetSecret(ctx, workspaceID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	plaintext, err := decrypt(s.masterKey, model.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (s *Store) List(ctx context.Context, workspaceID string) ([]Info, error) {
	models, err := s.repo.ListSecrets(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(models))
	for _, m := range models {
		infos = append(infos, Info{
			ID:        m.ID,
			Name:      m.Name,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, workspaceID, name string) (bool, error) {
	deleted, err := s.repo.DeleteSecret(ctx, workspaceID, name)
	if err == nil && deleted {
		s.logger.Info("Secret deleted", "workspace_id", workspaceID, "name", name)
	}
	return deleted, err
}

// ImportEnv parses env-file text and writes every entry; returns the names
// written. A single malformed line rejects the whole import.
func (s *Store) ImportEnv(ctx context.Context, workspaceID, text string) ([]string, error) {
	values, err := ParseEnvFile(text)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.Set(ctx, workspaceID, name, values[name]); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// ExportEnv renders every secret as env-file text.
func (s *Store) ExportEnv(ctx context.Context, workspaceID string) (string, error) {
	values, order, err := s.decryptAll(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return FormatEnvFile(values, order), nil
}

// InjectIntoContainer writes the sourced secrets file (0600) and adds the
// sentinel-guarded source line to .bashrc. Idempotent.
func (s *Store) InjectIntoContainer(ctx context.Context, workspaceID string) error {
	values, order, err := s.decryptAll(ctx, workspaceID)
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, name := range order {
		sb.WriteString("export ")
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(shellSingleQuote(values[name]))
		sb.WriteByte('\n')
	}

	if err := s.runner.WriteFile(ctx, workspaceID, SecretsFile, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}

	sourceLine := fmt.Sprintf("[ -f %s ] && source %s", SecretsFile, SecretsFile)
	if err := s.runner.AppendLineOnce(ctx, workspaceID, bashrcPath, secretSentinel, sourceLine); err != nil {
		return fmt.Errorf("update bashrc: %w", err)
	}

	s.logger.Info("Secrets injected", "workspace_id", workspaceID, "count", len(order))
	return nil
}

// Rotate re-encrypts every secret with a fresh salt and nonce. Plaintext
// stays in memory only.
func (s *Store) Rotate(ctx context.Context, workspaceID string) error {
	models, err := s.repo.ListSecrets(ctx, workspaceID)
	if err != nil {
		return err
	}

	for i := range models {
		m := &models[i]
		plaintext, err := decrypt(s.masterKey, m.Ciphertext)
		if err != nil {
			return fmt.Errorf("secret %s: %w", m.Name, err)
		}
		blob, err := encrypt(s.masterKey, plaintext)
		if err != nil {
			return err
		}
		m.Ciphertext = blob
		if err := s.repo.UpsertSecret(ctx, m); err != nil {
			return fmt.Errorf("persist rotated secret %s: %w", m.Name, err)
		}
	}

	s.logger.Info("Secrets rotated", "workspace_id", workspaceID, "count", len(models))
	return nil
}

// MaskInText replaces literal occurrences of secret values with asterisks.
// Values shorter than 4 bytes are left alone to avoid shredding ordinary text.
func (s *Store) MaskInText(ctx context.Context, workspaceID, text string) (string, error) {
	values, _, err := s.decryptAll(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	for _, v := range values {
		if len(v) >= 4 {
			text = strings.ReplaceAll(text, v, "********")
		}
	}
	return text, nil
}

func (s *Store) decryptAll(ctx context.Context, workspaceID string) (map[string]string, []string, error) {
	models, err := s.repo.ListSecrets(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string]string, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		plaintext, err := decrypt(s.masterKey, m.Ciphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("secret %s: %w", m.Name, err)
		}
		values[m.Name] = string(plaintext)
		order = append(order, m.Name)
	}
	return values, order, nil
}
