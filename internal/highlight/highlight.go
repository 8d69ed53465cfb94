package highlight

import (
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

type Result struct {
	Text      string
	Count     int
	LineIndex []int
}

// ApplyANSI wraps every case-insensitive occurrence of any term in input,
// leaving escape sequences intact. Matches never span an escape sequence.
// Longer terms win when two terms match at the same position.
func ApplyANSI(input string, terms []string, wrap func(string) string) Result {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return Result{Text: input}
	}
	if wrap == nil {
		wrap = func(s string) string { return s }
	}

	lines := strings.SplitAfter(input, "\n")
	if len(lines) == 0 {
		lines = []string{input}
	}

	var out strings.Builder
	lineMatches := make([]int, 0, 64)
	total := 0

	for lineNo, line := range lines {
		hasNewline := strings.HasSuffix(line, "\n")
		core := line
		if hasNewline {
			core = strings.TrimSuffix(line, "\n")
		}

		rendered, count := applyToANSIText(core, terms, wrap)
		out.WriteString(rendered)
		if hasNewline {
			out.WriteByte('\n')
		}
		if count > 0 {
			lineMatches = append(lineMatches, lineNo)
			total += count
		}
	}

	return Result{
		Text:      out.String(),
		Count:     total,
		LineIndex: lineMatches,
	}
}

// Count reports how many matches the visible text of s holds.
func Count(s string, terms []string) int {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return 0
	}
	_, n := applyToPlain(ansi.Strip(s), terms, func(s string) string { return s })
	return n
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func applyToANSIText(s string, terms []string, wrap func(string) string) (string, int) {
	indices := ansiCSI.FindAllStringIndex(s, -1)
	if len(indices) == 0 {
		return applyToPlain(s, terms, wrap)
	}

	var out strings.Builder
	total := 0
	pos := 0
	for _, idx := range indices {
		if idx[0] > pos {
			plain, count := applyToPlain(s[pos:idx[0]], terms, wrap)
			out.WriteString(plain)
			total += count
		}
		out.WriteString(s[idx[0]:idx[1]])
		pos = idx[1]
	}
	if pos < len(s) {
		plain, count := applyToPlain(s[pos:], terms, wrap)
		out.WriteString(plain)
		total += count
	}
	return out.String(), total
}

func applyToPlain(s string, terms []string, wrap func(string) string) (string, int) {
	if s == "" {
		return s, 0
	}
	lower := strings.ToLower(s)
	// Lowercasing may change byte lengths; match positions are only valid
	// when it does not.
	if len(lower) != len(s) {
		return s, 0
	}

	var out strings.Builder
	count := 0
	start := 0
	for start < len(s) {
		idx, term := nextMatch(lower, start, terms)
		if idx < 0 {
			break
		}
		out.WriteString(s[start:idx])
		end := idx + len(term)
		out.WriteString(wrap(s[idx:end]))
		count++
		start = end
	}
	out.WriteString(s[start:])
	return out.String(), count
}

func nextMatch(lower string, start int, terms []string) (int, string) {
	best, bestTerm := -1, ""
	for _, t := range terms {
		rel := strings.Index(lower[start:], t)
		if rel < 0 {
			continue
		}
		idx := start + rel
		if best < 0 || idx < best {
			best, bestTerm = idx, t
		}
	}
	return best, bestTerm
}
