package marker_test

import (
	"testing"

	"github.com/bilusteknoloji/ppm/internal/marker"
)

func TestParseAndEval(t *testing.T) {
	env := marker.Env{
		PythonVersion: "3.12",
		SysPlatform:   "linux",
		OSName:        "posix",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"python version match", `python_version >= "3.8"`, true},
		{"python version no match", `python_version < "3.10"`, false},
		{"python version equal", `python_version == "3.12"`, true},
		{"platform match", `sys_platform == "linux"`, true},
		{"platform no match", `sys_platform == "win32"`, false},
		{"platform not equal", `sys_platform != "win32"`, true},
		{"os match", `os_name == "posix"`, true},
		{"and both true", `python_version >= "3.8" and sys_platform == "linux"`, true},
		{"and one false", `python_version >= "3.8" and sys_platform == "win32"`, false},
		{"or first true", `sys_platform == "linux" or sys_platform == "win32"`, true},
		{"or both false", `sys_platform == "darwin" or sys_platform == "win32"`, false},
		{"parenthesized", `(sys_platform == "win32" or sys_platform == "linux") and python_version >= "3.8"`, true},
		{"extra empty by default", `extra == "docs"`, false},
		{"missing field empty string", `platform_machine == ""`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := marker.Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.expr, err)
			}

			if got := node.Eval(env); got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseVersionComparisonIsSemantic(t *testing.T) {
	// "3.9" < "3.12" semantically, but "3.9" > "3.12" lexicographically.
	env := marker.Env{PythonVersion: "3.9"}

	tests := []struct {
		expr string
		want bool
	}{
		{`python_version < "3.12"`, true},
		{`python_version >= "3.12"`, false},
		{`python_version > "3.8"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			node, err := marker.Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.expr, err)
			}

			if got := node.Eval(env); got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseInOperator(t *testing.T) {
	env := marker.Env{SysPlatform: "linux"}

	node, err := marker.Parse(`sys_platform in "linux darwin"`)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if !node.Eval(env) {
		t.Error("expected sys_platform in \"linux darwin\" to be true")
	}

	node, err = marker.Parse(`sys_platform not in "win32 cygwin"`)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if !node.Eval(env) {
		t.Error("expected sys_platform not in \"win32 cygwin\" to be true")
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		``,
		`python_version >=`,
		`python_version >= "3.8" and`,
		`(python_version >= "3.8"`,
		`python_version ?? "3.8"`,
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := marker.Parse(expr); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", expr)
			}
		})
	}
}

func TestCompareQuoteStyles(t *testing.T) {
	env := marker.Env{SysPlatform: "darwin"}

	node, err := marker.Parse(`sys_platform == 'darwin'`)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if !node.Eval(env) {
		t.Error("expected single-quoted literal to parse and match")
	}
}
