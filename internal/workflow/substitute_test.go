package workflow

import "testing"

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"A": "x", "LONG": "y"}

	got := Substitute("echo $A ${LONG}", vars)
	if got != "echo x y" {
		t.Fatalf("Substitute() = %q, want %q", got, "echo x y")
	}

	// 幂等：再替换一次结果不变
	if again := Substitute(got, vars); again != got {
		t.Fatalf("Substitute() not idempotent: %q -> %q", got, again)
	}
}

func TestSubstitutePrefixNames(t *testing.T) {
	vars := map[string]string{"A": "short", "AB": "long"}

	if got := Substitute("$AB", vars); got != "long" {
		t.Fatalf("$AB = %q, want %q", got, "long")
	}
	if got := Substitute("$A", vars); got != "short" {
		t.Fatalf("$A = %q, want %q", got, "short")
	}
	if got := Substitute("$A-$AB", vars); got != "short-long" {
		t.Fatalf("$A-$AB = %q, want %q", got, "short-long")
	}
}

func TestSubstituteUndefined(t *testing.T) {
	vars := map[string]string{"A": "x"}

	if got := Substitute("echo $UNKNOWN ${ALSO}", vars); got != "echo $UNKNOWN ${ALSO}" {
		t.Fatalf("undefined vars must be preserved, got %q", got)
	}
	if got := Substitute("no variables here", nil); got != "no variables here" {
		t.Fatalf("empty vars must be a no-op, got %q", got)
	}
}

func TestSubstituteBraceForm(t *testing.T) {
	vars := map[string]string{"NAME": "world"}

	if got := Substitute("hello ${NAME}!", vars); got != "hello world!" {
		t.Fatalf("got %q", got)
	}
	// 裸形式后面紧跟名字字符时不截断
	if got := Substitute("$NAMES", vars); got != "$NAMES" {
		t.Fatalf("$NAMES must not match NAME, got %q", got)
	}
}

func TestMergeVars(t *testing.T) {
	base := map[string]string{"A": "1", "B": "2"}
	override := map[string]string{"B": "3", "C": "4"}

	merged := mergeVars(base, override)
	if merged["A"] != "1" || merged["B"] != "3" || merged["C"] != "4" {
		t.Fatalf("mergeVars() = %v", merged)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{
			name: "valid shell",
			def: Definition{Steps: []Step{
				{ID: "s1", Kind: KindShell, Command: "echo hi"},
			}},
		},
		{
			name:    "empty",
			def:     Definition{},
			wantErr: true,
		},
		{
			name: "shell without command",
			def: Definition{Steps: []Step{
				{ID: "s1", Kind: KindShell},
			}},
			wantErr: true,
		},
		{
			name: "unknown kind",
			def: Definition{Steps: []Step{
				{ID: "s1", Kind: "teleport"},
			}},
			wantErr: true,
		},
		{
			name: "parallel with non-shell child",
			def: Definition{Steps: []Step{
				{ID: "p", Kind: KindParallel, Steps: []Step{
					{ID: "w", Kind: KindWait},
				}},
			}},
			wantErr: true,
		},
		{
			name: "parallel of shells",
			def: Definition{Steps: []Step{
				{ID: "p", Kind: KindParallel, Steps: []Step{
					{ID: "a", Kind: KindShell, Command: "echo a"},
					{ID: "b", Kind: KindShell, Command: "echo b"},
				}},
			}},
		},
		{
			name: "conditional without condition",
			def: Definition{Steps: []Step{
				{ID: "c", Kind: KindConditional, Steps: []Step{
					{ID: "s", Kind: KindShell, Command: "true"},
				}},
			}},
			wantErr: true,
		},
		{
			name: "composite without children",
			def: Definition{Steps: []Step{
				{ID: "s", Kind: KindSequential},
			}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.def)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
