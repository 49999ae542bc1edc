package astindex

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RelevantFile is one scored result of FindRelevantFiles.
type RelevantFile struct {
	File    string   `json:"file"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "when": true, "then": true,
	"than": true, "have": true, "has": true, "are": true, "was": true,
	"were": true, "been": true, "being": true, "not": true, "but": true,
	"all": true, "can": true, "will": true, "should": true, "would": true,
	"could": true, "its": true, "our": true, "you": true, "your": true,
}

var camelSplit = regexp.MustCompile(`[A-Z]?[a-z0-9]+|[A-Z]+(?:[A-Z][a-z0-9]|$)`)

// ExtractKeywords lowercases objective's tokens (≥3 chars) plus their
// camelCase components, drops stop words and the closed action
// vocabulary (those are the Capability Ledger's concern, not the index's),
// and deduplicates.
func ExtractKeywords(objective string, actionVocabulary []string) []string {
	actions := make(map[string]bool, len(actionVocabulary))
	for _, v := range actionVocabulary {
		actions[v] = true
	}

	fields := strings.FieldsFunc(objective, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})

	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		tok = strings.ToLower(tok)
		if len(tok) < 3 || stopWords[tok] || actions[tok] || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}

	for _, f := range fields {
		add(f)
		for _, part := range camelSplit.FindAllString(f, -1) {
			add(part)
		}
	}
	return out
}

// FindRelevantFiles scores every indexed file against objective's
// keywords: exact symbol match +10, partial symbol match +5, filename
// contains keyword +3. Files scoring >=5 additionally gain up to three
// importers (+2 each) and up to three imports (+1 each). Ties break by
// higher keyword count, then alphabetical path. Results are capped to
// maxResults.
func FindRelevantFiles(idx Index, objective string, actionVocabulary []string, maxResults int) []RelevantFile {
	keywords := ExtractKeywords(objective, actionVocabulary)
	if len(keywords) == 0 {
		return nil
	}

	type scored struct {
		file         string
		score        int
		reasons      []string
		keywordCount int
	}
	results := map[string]*scored{}

	get := func(file string) *scored {
		s, ok := results[file]
		if !ok {
			s = &scored{file: file}
			results[file] = s
		}
		return s
	}

	for _, kw := range keywords {
		matchedThisKeyword := map[string]bool{}
		for path, record := range idx.Files {
			for _, sym := range record.Exports {
				lower := strings.ToLower(sym.Name)
				if lower == kw {
					s := get(path)
					s.score += 10
					s.reasons = append(s.reasons, fmt.Sprintf("exact symbol match %q", sym.Name))
					matchedThisKeyword[path] = true
				} else if strings.Contains(lower, kw) {
					s := get(path)
					s.score += 5
					s.reasons = append(s.reasons, fmt.Sprintf("partial symbol match %q", sym.Name))
					matchedThisKeyword[path] = true
				}
			}
			if strings.Contains(strings.ToLower(path), kw) {
				s := get(path)
				s.score += 3
				s.reasons = append(s.reasons, fmt.Sprintf("filename contains %q", kw))
				matchedThisKeyword[path] = true
			}
		}
		for path := range matchedThisKeyword {
			results[path].keywordCount++
		}
	}

	for path, s := range results {
		if s.score < 5 {
			continue
		}
		importers := FindImporters(idx, path)
		for i, imp := range importers {
			if i >= 3 {
				break
			}
			s.score += 2
			s.reasons = append(s.reasons, fmt.Sprintf("imported by %s", imp))
		}
		imports := FindImports(idx, path)
		for i, target := range imports {
			if i >= 3 {
				break
			}
			s.score += 1
			s.reasons = append(s.reasons, fmt.Sprintf("imports %s", target))
		}
	}

	out := make([]RelevantFile, 0, len(results))
	for _, s := range results {
		out = append(out, RelevantFile{File: s.file, Score: s.score, Reasons: s.reasons})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ki, kj := results[out[i].File].keywordCount, results[out[j].File].keywordCount
		if ki != kj {
			return ki > kj
		}
		return out[i].File < out[j].File
	})

	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// FileSummary builds the deterministic one-line description of a file's
// exports: classes, then functions, then interface/type, then constants,
// with an overflow suffix when more exist than are listed, truncated to
// 120 characters. A file with zero exports but local imports is an
// "Orchestration module"; one with neither is an "Internal module".
func FileSummary(idx Index, path string) string {
	record, ok := idx.Files[path]
	if !ok {
		return ""
	}
	if len(record.Exports) == 0 {
		if len(FindImports(idx, path)) > 0 {
			return "Orchestration module"
		}
		return "Internal module"
	}

	byKind := map[SymbolKind][]string{}
	for _, sym := range record.Exports {
		byKind[sym.Kind] = append(byKind[sym.Kind], sym.Name)
	}

	const maxPerKind = 3
	order := []SymbolKind{KindClass, KindFunction, KindInterface, KindType, KindConst, KindEnum}
	var parts []string
	for _, kind := range order {
		names := byKind[kind]
		if len(names) == 0 {
			continue
		}
		shown := names
		overflow := 0
		if len(shown) > maxPerKind {
			overflow = len(shown) - maxPerKind
			shown = shown[:maxPerKind]
		}
		part := strings.Join(shown, ", ")
		if overflow > 0 {
			part += fmt.Sprintf(" (+%d)", overflow)
		}
		parts = append(parts, part)
	}

	summary := strings.Join(parts, "; ")
	if len(summary) > 120 {
		summary = summary[:117] + "..."
	}
	return summary
}
