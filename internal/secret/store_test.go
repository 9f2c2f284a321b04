package secret

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"termflux/internal/store"
)

type memRepo struct {
	mu      sync.Mutex
	secrets map[string]*store.SecretModel // key: workspace/name
}

func newMemRepo() *memRepo {
	return &memRepo{secrets: make(map[string]*store.SecretModel)}
}

func (m *memRepo) key(workspaceID, name string) string { return workspaceID + "/" + name }

func (m *memRepo) UpsertSecret(ctx context.Context, s *store.SecretModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.secrets[m.key(s.WorkspaceID, s.Name)] = &cp
	return nil
}

func (m *memRepo) GetSecret(ctx context.Context, workspaceID, name string) (*store.SecretModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[m.key(workspaceID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) ListSecrets(ctx context.Context, workspaceID string) ([]store.SecretModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SecretModel
	for _, s := range m.secrets {
		if s.WorkspaceID == workspaceID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memRepo) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(workspaceID, name)
	if _, ok := m.secrets[k]; !ok {
		return false, nil
	}
	delete(m.secrets, k)
	return true, nil
}

type memRunner struct {
	mu      sync.Mutex
	files   map[string]string
	appends []string
}

func newMemRunner() *memRunner {
	return &memRunner{files: make(map[string]string)}
}

func (m *memRunner) WriteFile(ctx context.Context, workspaceID, path string, content []byte, mode int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = string(content)
	return nil
}

func (m *memRunner) AppendLineOnce(ctx context.Context, workspaceID, path, sentinel, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends = append(m.appends, line)
	return nil
}

func testStore(t *testing.T) (*Store, *memRepo, *memRunner) {
	t.Helper()
	repo := newMemRepo()
	runner := newMemRunner()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(repo, runner, "test-master-key", logger), repo, runner
}

func TestSecretRoundTrip(t *testing.T) {
	s, repo, _ := testStore(t)
	ctx := context.Background()

	values := []string{"s3cret!", "", "with spaces", "uni©ode ≠ ascii", "line1\ttab"}
	for i, v := range values {
		name := "KEY_" + strings.Repeat("A", i+1)
		if err := s.Set(ctx, "ws1", name, v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
		got, err := s.Get(ctx, "ws1", name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if got != v {
			t.Fatalf("round trip %q -> %q", v, got)
		}
	}

	// 密文里不允许出现明文
	for _, m := range repo.secrets {
		if strings.Contains(m.Ciphertext, "s3cret!") {
			t.Fatal("plaintext leaked into ciphertext blob")
		}
	}
}

func TestSecretNameValidation(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"lower", "1LEADING", "WITH-DASH", "", "HAS SPACE"} {
		if err := s.Set(ctx, "ws1", name, "v"); !errors.Is(err, ErrValidation) {
			t.Fatalf("Set(%q) err = %v, want ErrValidation", name, err)
		}
	}
	for _, name := range []string{"API_KEY", "_PRIVATE", "A1", "X"} {
		if err := s.Set(ctx, "ws1", name, "v"); err != nil {
			t.Fatalf("Set(%q) err = %v, want nil", name, err)
		}
	}
}

func TestListNeverIncludesPlaintext(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "API_KEY", "s3cret!"); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "API_KEY" {
		t.Fatalf("List() = %+v", infos)
	}
}

func TestExportImportIdentity(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	source := map[string]string{
		"PLAIN":    "value",
		"SPACES":   "has spaces",
		"QUOTED":   `say "hi"`,
		"DOLLAR":   "cost $5",
		"EMPTYISH": "",
	}
	for k, v := range source {
		if err := s.Set(ctx, "ws1", k, v); err != nil {
			t.Fatal(err)
		}
	}

	text, err := s.ExportEnv(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}

	names, err := s.ImportEnv(ctx, "ws2", text)
	if err != nil {
		t.Fatalf("ImportEnv: %v", err)
	}
	if len(names) != len(source) {
		t.Fatalf("imported %d names, want %d", len(names), len(source))
	}

	for k, v := range source {
		got, err := s.Get(ctx, "ws2", k)
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if got != v {
			t.Fatalf("%s: %q -> %q", k, v, got)
		}
	}
}

func TestImportEnvParsing(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	text := "# comment\n\nAPI_KEY=abc\nQUOTED='single'\nDOUBLE=\"double\"\n"
	names, err := s.ImportEnv(ctx, "ws1", text)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Fatalf("names = %v", names)
	}

	for name, want := range map[string]string{"API_KEY": "abc", "QUOTED": "single", "DOUBLE": "double"} {
		got, err := s.Get(ctx, "ws1", name)
		if err != nil || got != want {
			t.Fatalf("%s = %q (%v), want %q", name, got, err, want)
		}
	}

	if _, err := s.ImportEnv(ctx, "ws1", "bad-name=1\n"); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed name err = %v, want ErrValidation", err)
	}
	if _, err := s.ImportEnv(ctx, "ws1", "NOEQUALS\n"); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing '=' err = %v, want ErrValidation", err)
	}
}

func TestRotatePreservesRoundTrip(t *testing.T) {
	s, repo, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "API_KEY", "s3cret!"); err != nil {
		t.Fatal(err)
	}
	before := repo.secrets["ws1/API_KEY"].Ciphertext

	if err := s.Rotate(ctx, "ws1"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	after := repo.secrets["ws1/API_KEY"].Ciphertext
	if before == after {
		t.Fatal("rotation must produce a fresh envelope")
	}

	got, err := s.Get(ctx, "ws1", "API_KEY")
	if err != nil || got != "s3cret!" {
		t.Fatalf("Get after rotate = %q (%v)", got, err)
	}
}

func TestInjectIntoContainer(t *testing.T) {
	s, _, runner := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "API_KEY", "it's a secret"); err != nil {
		t.Fatal(err)
	}
	if err := s.InjectIntoContainer(ctx, "ws1"); err != nil {
		t.Fatalf("InjectIntoContainer: %v", err)
	}

	content, ok := runner.files[SecretsFile]
	if !ok {
		t.Fatalf("secrets file not written; files = %v", runner.files)
	}
	// 单引号转义：' -> '\''
	want := `export API_KEY='it'\''s a secret'` + "\n"
	if content != want {
		t.Fatalf("secrets file = %q, want %q", content, want)
	}

	if len(runner.appends) != 1 || !strings.Contains(runner.appends[0], "termflux_secrets") {
		t.Fatalf("bashrc appends = %v", runner.appends)
	}
}

func TestMaskInText(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "TOKEN", "abcd1234"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "ws1", "TINY", "ab"); err != nil {
		t.Fatal(err)
	}

	masked, err := s.MaskInText(ctx, "ws1", "token=abcd1234 tiny=ab")
	if err != nil {
		t.Fatal(err)
	}
	if masked != "token=******** tiny=ab" {
		t.Fatalf("masked = %q", masked)
	}
}

func TestDecryptRefusesTamperedEnvelope(t *testing.T) {
	s, repo, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "API_KEY", "s3cret!"); err != nil {
		t.Fatal(err)
	}

	m := repo.secrets["ws1/API_KEY"]
	m.Ciphertext = strings.Replace(m.Ciphertext, `"ct":"`, `"ct":"AAAA`, 1)

	if _, err := s.Get(ctx, "ws1", "API_KEY"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Get on tampered envelope err = %v, want ErrDecrypt", err)
	}
}

func TestDelete(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ws1", "API_KEY", "v"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Delete(ctx, "ws1", "API_KEY"); err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "ws1", "API_KEY"); err != nil || ok {
		t.Fatalf("second Delete = %v, %v, want false", ok, err)
	}
	if _, err := s.Get(ctx, "ws1", "API_KEY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
}
