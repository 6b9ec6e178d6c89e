package attribution

import (
	"slices"
	"testing"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

func TestExtractReferences(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name: "go test failure",
			output: `--- FAIL: TestParse (0.00s)
    parser_test.go:42: got 1, want 2
FAIL
FAIL	github.com/acme/app/internal/parser	0.012s
ok  	github.com/acme/app/internal/lexer	0.004s`,
			want: []string{"github.com/acme/app/internal/parser", "parser_test.go"},
		},
		{
			name: "go build failure",
			output: `# github.com/acme/app/internal/store
internal/store/db.go:17:2: undefined: sqlx`,
			want: []string{"internal/store/db.go"},
		},
		{
			name: "jest",
			output: ` FAIL  src/components/Button.test.tsx
  ● Button › renders
    at Object.<anonymous> (src/components/Button.test.tsx:12:5)`,
			want: []string{"src/components/Button.test.tsx"},
		},
		{
			name: "pytest",
			output: `FAILED tests/test_api.py::test_create - AssertionError
  File "app/api.py", line 30, in create`,
			want: []string{"app/api.py", "tests/test_api.py"},
		},
		{
			name:   "tsc",
			output: `src/index.ts(4,10): error TS2305: Module has no exported member.`,
			want:   []string{"src/index.ts"},
		},
		{
			name: "eslint",
			output: `/home/dev/app/src/util.js
  3:7  error  'x' is assigned a value but never used  no-unused-vars`,
			want: []string{"/home/dev/app/src/util.js"},
		},
		{
			name:   "urls are ignored",
			output: "see https://example.com/docs.html:80 for details",
			want:   []string{},
		},
		{
			name:   "no references",
			output: "Error: process exited with status 1",
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractReferences(tt.output)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ExtractReferences() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		modified []string
		want     Verdict
	}{
		{
			name:     "exact file match",
			output:   "internal/store/db.go:17:2: undefined: sqlx",
			modified: []string{"internal/store/db.go"},
			want:     Attributable,
		},
		{
			name:     "failure in sibling file of same directory",
			output:   "internal/store/db_test.go:40: unexpected row count",
			modified: []string{"internal/store/db.go"},
			want:     Attributable,
		},
		{
			name:     "go package matched through import path suffix",
			output:   "FAIL\tgithub.com/acme/app/internal/parser\t0.012s",
			modified: []string{"internal/parser/parser.go"},
			want:     Attributable,
		},
		{
			name:     "absolute path matched against relative file",
			output:   "/home/dev/app/src/util.js:3:7 error",
			modified: []string{"./src/util.js"},
			want:     Attributable,
		},
		{
			name:     "bare go test file name matches source file",
			output:   "    parser_test.go:42: got 1, want 2",
			modified: []string{"internal/parser/parser.go"},
			want:     Attributable,
		},
		{
			name:     "failure elsewhere is unrelated",
			output:   "FAIL\tgithub.com/acme/app/internal/billing\t0.3s\n    invoice_test.go:9: bad total",
			modified: []string{"internal/parser/parser.go"},
			want:     Unrelated,
		},
		{
			name:     "root-level file does not claim every directory",
			output:   "internal/billing/invoice.go:9: syntax error",
			modified: []string{"main.go"},
			want:     Unrelated,
		},
		{
			name:     "no references is attributable",
			output:   "lint: 3 problems",
			modified: []string{"internal/parser/parser.go"},
			want:     Attributable,
		},
		{
			name: "failing go test named after a modified file",
			output: `--- FAIL: TestTokenize (0.00s)
    helpers_test.go:10: boom
FAIL	github.com/acme/app/internal/util	0.01s`,
			modified: []string{"internal/lexer/tokenize.go"},
			want:     Attributable,
		},
		{
			name: "failing go test naming another subject stays unrelated",
			output: `--- FAIL: TestInvoiceTotal (0.00s)
    invoice_test.go:9: bad total
FAIL	github.com/acme/app/internal/billing	0.3s`,
			modified: []string{"internal/lexer/tokenize.go"},
			want:     Unrelated,
		},
		{
			name:     "test names alone never make a failure unrelated",
			output:   "--- FAIL: TestInvoiceTotal (0.00s)\nFAIL",
			modified: []string{"internal/lexer/tokenize.go"},
			want:     Attributable,
		},
		{
			name:     "no modified files with references is unrelated",
			output:   "internal/billing/invoice.go:9: syntax error",
			modified: nil,
			want:     Unrelated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.output, tt.modified)
			if res.Verdict != tt.want {
				t.Errorf("Classify() = %s (refs %q, matched %q), want %s", res.Verdict, res.References, res.Matched, tt.want)
			}
		})
	}
}

func TestExtractTests(t *testing.T) {
	output := `--- FAIL: TestParseHeader (0.01s)
    --- FAIL: TestParseHeader/empty (0.00s)
        header_test.go:20: want error
--- FAIL: TestParseHeader (0.01s)
FAIL`
	want := []string{"TestParseHeader", "TestParseHeader/empty"}
	if got := ExtractTests(output); !slices.Equal(got, want) {
		t.Errorf("ExtractTests() = %q, want %q", got, want)
	}
}

func TestMatchesTest(t *testing.T) {
	tests := []struct {
		name string
		file string
		want bool
	}{
		{"TestParseHeader", "internal/http/parse_header.go", true},
		{"TestParseHeader/empty", "internal/http/parse_header_test.go", true},
		{"TestParse", "internal/parser/parser.go", true},
		{"TestTokenize_unicode", "lexer/tokenize.go", true},
		{"BenchmarkEncode", "codec/encode.go", true},
		{"TestParse", "internal/parser/parser.ts", false},
		{"TestInvoiceTotal", "lexer/tokenize.go", false},
		{"TestA", "a.go", false},
	}
	for _, tt := range tests {
		if got := matchesTest(tt.name, tt.file); got != tt.want {
			t.Errorf("matchesTest(%q, %q) = %v, want %v", tt.name, tt.file, got, tt.want)
		}
	}
}

func TestResultErr(t *testing.T) {
	res := Classify("internal/a/a.go:1: boom", []string{"internal/a/a.go"})
	if !errors.Is(res.Err(), errors.ErrAttributableFailure) {
		t.Errorf("Err() = %v, want ErrAttributableFailure", res.Err())
	}

	res = Classify("internal/b/b.go:1: boom", []string{"internal/a/a.go"})
	if !errors.Is(res.Err(), errors.ErrUnrelatedFailure) {
		t.Errorf("Err() = %v, want ErrUnrelatedFailure", res.Err())
	}

	res = Classify("exit status 1", nil)
	if !errors.Is(res.Err(), errors.ErrAttributableFailure) {
		t.Errorf("Err() = %v, want ErrAttributableFailure", res.Err())
	}
}
