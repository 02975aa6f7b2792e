package generator

import (
	"regexp"
	"strings"
)

const minCodeLength = 30

var (
	methodWithSelf = regexp.MustCompile(`def\s+\w+\s*\(\s*self(?:\s*,|\s*\)).*:`)
	mainGuard      = regexp.MustCompile(`^\s*if\s+__name__\s*==\s*["']__main__["']:`)
	testLine       = regexp.MustCompile(`^\s*(print\s*\(|(solution|sol)\s*=\s*Solution\(\)|result\s*=\s*(solution|sol)\.|assert\s+|#\s*(Test|Example)|(input|output)\s*=|test_cases\s*=)`)
)

// Dangerous constructs that a submission never needs.
var unsafePatterns = []struct {
	re      *regexp.Regexp
	warning string
}{
	{regexp.MustCompile(`\bimport\s+(os|subprocess|socket|shutil|ctypes)\b`), "imports a system module"},
	{regexp.MustCompile(`\bfrom\s+(os|subprocess|socket|shutil|ctypes)\b`), "imports a system module"},
	{regexp.MustCompile(`\b(eval|exec|compile)\s*\(`), "uses dynamic code execution"},
	{regexp.MustCompile(`__import__\s*\(`), "uses dynamic imports"},
	{regexp.MustCompile(`\bopen\s*\(`), "opens files"},
}

var incompleteMarkers = []string{
	"your code here", "raise notimplementederror", "# todo", "not implemented",
}

var qualitySignals = []struct {
	check  func(code, lower string) bool
	weight float64
}{
	{func(c, _ string) bool { return strings.Contains(c, `"""`) || strings.Contains(c, `'''`) }, 0.1},
	{func(c, _ string) bool { return strings.Contains(c, "->") }, 0.1},
	{func(_, l string) bool { return containsAny(l, "nums", "target", "result", "left", "right") }, 0.1},
	{func(c, _ string) bool { return strings.Contains(c, "#") }, 0.1},
	{func(c, _ string) bool { return len(c) >= 100 && len(c) <= 2000 }, 0.2},
	{func(_, l string) bool { return strings.Contains(l, "return ") }, 0.1},
	{func(_, l string) bool {
		return containsAny(l, "sort", "heap", "dp", "binary", "dict(", "set(", "deque")
	}, 0.3},
}

// Assessment is the outcome of checking generated code.
type Assessment struct {
	Code         string
	IsSafe       bool
	QualityScore float64
	Warnings     []string
}

// Candidate reports whether text looks like solution code at all.
func Candidate(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= minCodeLength {
		return false
	}
	if !strings.Contains(trimmed, "class Solution") && !strings.Contains(trimmed, "def ") {
		return false
	}
	lower := strings.ToLower(trimmed)
	if containsAny(lower, "<html>", "<body>", "<script>") {
		return false
	}
	return !containsAny(trimmed, `"status":`, `"error":`)
}

// Assess strips test scaffolding from code, scores it and scans it for
// unsafe constructs. Unsafe code is still returned, flagged by IsSafe.
func Assess(code string) Assessment {
	cleaned, stripped := StripTestCode(code)
	lower := strings.ToLower(cleaned)

	var warnings []string
	confidence := 1.0
	if stripped {
		warnings = append(warnings, "removed test scaffolding")
	}
	if !strings.Contains(cleaned, "class Solution") {
		warnings = append(warnings, "missing 'class Solution' definition")
		confidence -= 0.3
	} else if !methodWithSelf.MatchString(cleaned) {
		warnings = append(warnings, "missing method definition with 'self' parameter")
		confidence -= 0.3
	}
	if !strings.Contains(cleaned, "return") {
		warnings = append(warnings, "missing return statement")
		confidence -= 0.2
	}
	if strings.Contains(cleaned, "List[") && !strings.Contains(cleaned, "from typing import") {
		warnings = append(warnings, "uses List without importing typing")
		confidence -= 0.1
	}
	for _, marker := range incompleteMarkers {
		if strings.Contains(lower, marker) {
			warnings = append(warnings, "solution looks incomplete")
			confidence -= 0.3
			break
		}
	}

	safe := confidence > 0.6
	seen := make(map[string]bool)
	for _, p := range unsafePatterns {
		if p.re.MatchString(cleaned) && !seen[p.warning] {
			seen[p.warning] = true
			warnings = append(warnings, "unsafe: "+p.warning)
			safe = false
		}
	}

	score := 0.0
	for _, s := range qualitySignals {
		if s.check(cleaned, lower) {
			score += s.weight
		}
	}
	if score > 1 {
		score = 1
	}

	if warnings == nil {
		warnings = []string{}
	}
	return Assessment{Code: cleaned, IsSafe: safe, QualityScore: score, Warnings: warnings}
}

// StripTestCode drops driver code that generators tend to append after the
// solution class. It reports whether anything was removed.
func StripTestCode(code string) (string, bool) {
	lines := strings.Split(code, "\n")
	kept := make([]string, 0, len(lines))
	removed := false
	for _, line := range lines {
		if mainGuard.MatchString(line) {
			removed = true
			break
		}
		if testLine.MatchString(line) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n"), removed
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
