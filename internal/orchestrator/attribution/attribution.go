// Package attribution decides whether a verification failure was caused by
// the files an issue modified. Failures outside those files do not hold the
// issue back; the heuristic is deliberately approximate.
package attribution

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// Verdict is the outcome of Classify.
type Verdict int

const (
	// Attributable failures enter the fix loop.
	Attributable Verdict = iota
	// Unrelated failures are logged and ignored.
	Unrelated
)

func (v Verdict) String() string {
	switch v {
	case Attributable:
		return "attributable"
	case Unrelated:
		return "unrelated"
	default:
		return "unknown"
	}
}

// Result carries the verdict plus the evidence behind it.
type Result struct {
	Verdict Verdict
	// References are the paths and packages parsed from the output, sorted.
	References []string
	// Tests are the Go test names reported as failing, sorted.
	Tests []string
	// Matched are the references and test names that intersect the
	// modified files.
	Matched []string
}

// Err returns the sentinel matching the verdict, wrapped with the matched or
// referenced paths.
func (r Result) Err() error {
	if r.Verdict == Unrelated {
		return fmt.Errorf("%w: references %s", errors.ErrUnrelatedFailure, strings.Join(r.References, ", "))
	}
	if len(r.Matched) == 0 {
		return fmt.Errorf("%w: no file references in output", errors.ErrAttributableFailure)
	}
	return fmt.Errorf("%w: %s", errors.ErrAttributableFailure, strings.Join(r.Matched, ", "))
}

var (
	// path/to/file.ext:12 and file.ext:12:5
	fileLineRegex = regexp.MustCompile(`([A-Za-z0-9_./@~+\-]*[A-Za-z0-9_\-]\.[A-Za-z][A-Za-z0-9]*):\d+`)

	// src/file.ts(12,5): error TS2322
	tscRegex = regexp.MustCompile(`([A-Za-z0-9_./@~+\-]+\.[A-Za-z][A-Za-z0-9]*)\(\d+,\d+\)`)

	// FAIL github.com/acme/app/internal/foo, FAIL src/a.test.js, FAILED tests/test_a.py::test_x
	failLineRegex = regexp.MustCompile(`(?m)^[ \t]*(?:FAIL|FAILED|ERROR)[ \t:][ \t]*([^\s\[]+)`)

	// tests/test_a.py::test_x
	pytestNodeRegex = regexp.MustCompile(`([A-Za-z0-9_./\-]+\.py)::`)

	// File "pkg/mod.py", line 12
	pyTraceRegex = regexp.MustCompile(`File "([^"]+)", line \d+`)

	// eslint prints the file on its own line above its findings
	barePathLineRegex = regexp.MustCompile(`(?m)^[ \t]*(/?(?:[A-Za-z0-9_.@~+\-]+/)+[A-Za-z0-9_.@~+\-]+\.[A-Za-z][A-Za-z0-9]*)[ \t]*$`)

	// --- FAIL: TestParse (0.00s), with subtests indented below
	goTestFailRegex = regexp.MustCompile(`(?m)^[ \t]*--- FAIL: (\S+)`)

	urlRegex = regexp.MustCompile(`[A-Za-z][A-Za-z0-9+.\-]*://\S+`)
)

// ExtractReferences returns the distinct file paths and package paths named in
// verification output, sorted.
func ExtractReferences(output string) []string {
	seen := make(map[string]bool)
	add := func(ref string) {
		ref = normalizeRef(ref)
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
	}

	output = urlRegex.ReplaceAllString(output, " ")
	for _, re := range []*regexp.Regexp{fileLineRegex, tscRegex, failLineRegex, pytestNodeRegex, pyTraceRegex, barePathLineRegex} {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			add(m[1])
		}
	}

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// ExtractTests returns the distinct failing Go test names, subtests
// included, sorted.
func ExtractTests(output string) []string {
	var names []string
	for _, m := range goTestFailRegex.FindAllStringSubmatch(output, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	slices.Sort(names)
	return names
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.Trim(ref, `"'():,`)
	if i := strings.Index(ref, "::"); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return ""
	}
	ref = strings.ReplaceAll(ref, `\`, "/")
	ref = path.Clean(ref)
	if ref == "." || ref == "/" || ref == ".." {
		return ""
	}
	return strings.TrimPrefix(ref, "./")
}

// Classify decides whether output implicates any of the modified files.
// A reference matches a modified file when they are equal, when the reference
// is a directory containing the file, or when the file's directory contains
// the reference. References are also tried with leading segments stripped so
// absolute paths and import paths line up with repo-relative files. A failing
// Go test matches a modified Go file named after its subject, so TestParseHeader
// matches parse_header.go. Test names only ever add matches: output with no
// path references at all is attributable.
func Classify(output string, modified []string) Result {
	refs := ExtractReferences(output)
	res := Result{Verdict: Attributable, References: refs, Tests: ExtractTests(output)}

	files := make([]string, 0, len(modified))
	for _, f := range modified {
		if n := normalizeRef(f); n != "" {
			files = append(files, n)
		}
	}

	for _, ref := range refs {
		if slices.ContainsFunc(files, func(f string) bool { return matches(ref, f) }) {
			res.Matched = append(res.Matched, ref)
		}
	}
	for _, name := range res.Tests {
		if slices.ContainsFunc(files, func(f string) bool { return matchesTest(name, f) }) {
			res.Matched = append(res.Matched, name)
		}
	}
	if len(refs) > 0 && len(res.Matched) == 0 {
		res.Verdict = Unrelated
	}
	return res
}

// matchesTest compares a test's subject with a Go file's stem, ignoring case
// and underscores. Either may be a prefix of the other, so TestParse also
// matches parser.go.
func matchesTest(name, file string) bool {
	if path.Ext(file) != ".go" {
		return false
	}
	subject := testSubject(name)
	stem := strings.TrimSuffix(path.Base(file), ".go")
	stem = strings.TrimSuffix(stem, "_test")
	stem = strings.ToLower(strings.ReplaceAll(stem, "_", ""))
	if len(subject) < 3 || len(stem) < 3 {
		return false
	}
	return strings.HasPrefix(subject, stem) || strings.HasPrefix(stem, subject)
}

// testSubject reduces TestParseHeader_empty/unicode to "parseheader".
func testSubject(name string) string {
	name, _, _ = strings.Cut(name, "/")
	for _, prefix := range []string{"Test", "Benchmark", "Fuzz", "Example"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			name = rest
			break
		}
	}
	name, _, _ = strings.Cut(name, "_")
	return strings.ToLower(name)
}

func matches(ref, file string) bool {
	if !strings.Contains(ref, "/") {
		return matchesBase(ref, file)
	}
	for _, suffix := range suffixes(strings.TrimPrefix(ref, "/")) {
		if related(suffix, file) {
			return true
		}
	}
	return false
}

// matchesBase handles bare file names such as the "foo_test.go:12:" lines go
// test prints, which carry no directory.
func matchesBase(ref, file string) bool {
	base := path.Base(file)
	if ref == base {
		return true
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return ref == stem+"_test"+ext || ref == stem+".test"+ext || ref == stem+".spec"+ext
}

func related(ref, file string) bool {
	if ref == file || isAncestor(ref, file) {
		return true
	}
	dir := path.Dir(file)
	return dir != "." && isAncestor(dir, ref)
}

func isAncestor(dir, p string) bool {
	return strings.HasPrefix(p, dir+"/")
}

// suffixes returns p followed by p with each leading segment removed, down
// to the last segment.
func suffixes(p string) []string {
	out := []string{p}
	for {
		i := strings.Index(p, "/")
		if i < 0 {
			return out
		}
		p = p[i+1:]
		out = append(out, p)
	}
}
