package slot

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/parser"
)

// MaxCodeBytes bounds slot source size before any parsing happens.
const MaxCodeBytes = 64 * 1024

// Identifiers that must not occur anywhere in slot code: references,
// declarations, member names, or literal property keys. String contents are
// not scanned ("window" as data is legal).
var blacklist = map[string]bool{
	"window":         true,
	"document":       true,
	"globalThis":     true,
	"self":           true,
	"fetch":          true,
	"XMLHttpRequest": true,
	"WebSocket":      true,
	"importScripts":  true,
	"eval":           true,
	"Function":       true,
	"require":        true,
	"module":         true,
	"exports":        true,
	"process":        true,
	"__proto__":      true,
}

// Member names that must not be accessed even on otherwise legal values.
// Blocks the constructor.constructor route to the Function constructor.
var forbiddenMembers = map[string]bool{
	"constructor": true,
	"__proto__":   true,
}

// Fast-path source scans. These run on raw text and are deliberately
// conservative: a match inside a string literal still rejects. The AST walk
// below is the authoritative gate; these only add early, precise findings.
var (
	dynamicImportRe = regexp.MustCompile(`\bimport\s*\(`)
	moduleDeclRe    = regexp.MustCompile(`(?m)^\s*(?:import|export)\b`)
	newFunctionRe   = regexp.MustCompile(`\bnew\s+Function\b`)
	returnRe        = regexp.MustCompile(`\breturn\b`)
	identifierRe    = regexp.MustCompile(`[$A-Za-z_][$0-9A-Za-z_]*`)
)

// Validate statically vets slot code before any execution. It never runs the
// code. All rule failures accumulate into one report.
func Validate(code string) ValidationReport {
	violations := []Violation{}

	if len(code) > MaxCodeBytes {
		violations = append(violations, Violation{
			RuleID:  "code-size",
			Message: fmt.Sprintf("code is %d bytes, limit is %d", len(code), MaxCodeBytes),
		})
		return ValidationReport{OK: false, Violations: violations}
	}

	if dynamicImportRe.MatchString(code) {
		violations = append(violations, Violation{
			RuleID:  "dynamic-import",
			Message: "dynamic import() is not allowed",
		})
	}
	if moduleDeclRe.MatchString(code) {
		violations = append(violations, Violation{
			RuleID:  "module-decl",
			Message: "import/export declarations are not allowed",
		})
	}
	if newFunctionRe.MatchString(code) {
		violations = append(violations, Violation{
			RuleID:  "new-function",
			Message: "the Function constructor is not allowed",
		})
	}

	prog, err := parser.ParseFile(nil, "slot.js", Wrap(code), 0)
	if err != nil {
		violations = append(violations, Violation{
			RuleID:  "syntax",
			Message: fmt.Sprintf("code does not parse: %v", err),
		})
		// No AST to walk; fall back to a token scan so the report still
		// names any blacklisted identifiers.
		violations = append(violations, scanIdentifiers(code)...)
		if !returnRe.MatchString(code) {
			violations = append(violations, requireReturnViolation())
		}
		return ValidationReport{OK: false, Violations: violations}
	}

	w := &walker{}
	w.statements(prog.Body)
	violations = append(violations, w.violations...)
	if !w.hasReturn {
		violations = append(violations, requireReturnViolation())
	}

	return ValidationReport{OK: len(violations) == 0, Violations: violations}
}

func requireReturnViolation() Violation {
	return Violation{
		RuleID:  "require-return",
		Message: "code must contain a return statement",
	}
}

// scanIdentifiers is the regex fallback used when the parse fails. Unlike
// the AST walk it cannot tell identifiers from string contents, so it only
// reports each offending name once.
func scanIdentifiers(code string) []Violation {
	seen := map[string]bool{}
	var out []Violation
	for _, tok := range identifierRe.FindAllString(code, -1) {
		if blacklist[tok] && !seen[tok] {
			seen[tok] = true
			out = append(out, Violation{
				RuleID:  "blacklisted-identifier",
				Message: fmt.Sprintf("forbidden identifier %q", tok),
			})
		}
	}
	return out
}

// ValidateDefinition vets the code of a slot definition plus basic envelope
// sanity. Used by the registry before anything is saved.
func ValidateDefinition(name, code string) ValidationReport {
	report := Validate(code)
	if strings.TrimSpace(name) == "" {
		report.OK = false
		report.Violations = append(report.Violations, Violation{
			RuleID:  "empty-name",
			Message: "slot name must not be empty",
		})
	}
	return report
}
