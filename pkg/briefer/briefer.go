// Package briefer implements the Context Briefer: assembles a
// size-bounded briefing bundle for a task objective by querying the AST
// Index for relevant files and — when a markdown plan accompanies the
// objective — pulling an agent-role-specific subset of it
// (scout/planner/builder/reviewer), each with its own character budget
// and section priorities. No focus-area hints are extracted from the
// objective.
package briefer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/duskforge/undercity/pkg/astindex"
	"github.com/duskforge/undercity/pkg/constants"
)

// Role is one of the agent roles the briefer tailors output for.
type Role string

const (
	RoleScout    Role = "scout"
	RolePlanner  Role = "planner"
	RoleBuilder  Role = "builder"
	RoleReviewer Role = "reviewer"
)

const (
	scoutBudget   = 500
	plannerBudget = 10_000
	builderBudget = 5_000
	reviewerBudget = 3_000
)

const truncationMarker = "\n… [truncated]"

// Briefing is the bundle handed to the agent SDK as prompt context.
type Briefing struct {
	Objective           string
	TargetFiles         []string
	TypeDefinitions     []string
	FunctionSignatures  []string
	RelatedPatterns     string
	Constraints         []string
	BriefingDoc         string
}

var newFileRe = regexp.MustCompile(`(?i)^\(new file\)\s*in\s+(\S+)`)

// Build assembles a Briefing for objective against idx, honoring role's
// character budget when extracting planDoc (the markdown plan
// accompanying this task, if any; empty when none exists). builderOutput
// is the builder role's rendered doc, folded (truncated) into the
// reviewer role's briefing.
func Build(idx astindex.Index, objective, planDoc, builderOutput string, role Role, maxResults int) Briefing {
	b := Briefing{Objective: objective}

	if m := newFileRe.FindStringSubmatch(objective); m != nil {
		b.Constraints = append(b.Constraints, "CREATE NEW FILE: "+m[1])
		b.BriefingDoc = renderDoc(b, role, planDoc, builderOutput)
		return b
	}

	relevant := astindex.FindRelevantFiles(idx, objective, constants.ActionVocabulary, maxResults)
	if len(relevant) > 0 {
		files := make([]string, len(relevant))
		var summaries []string
		for i, r := range relevant {
			files[i] = r.File
			summaries = append(summaries, fmt.Sprintf("%s: %s", r.File, astindex.FileSummary(idx, r.File)))
		}
		b.TargetFiles = files
		b.Constraints = append(b.Constraints, "SCOPE: "+strings.Join(files, ", "))
		b.RelatedPatterns = strings.Join(summaries, "\n")

		for _, f := range files {
			for _, sym := range idxExports(idx, f) {
				switch sym.Kind {
				case astindex.KindFunction:
					b.FunctionSignatures = append(b.FunctionSignatures, sym.Name)
				case astindex.KindType, astindex.KindClass, astindex.KindInterface, astindex.KindEnum:
					b.TypeDefinitions = append(b.TypeDefinitions, sym.Name)
				}
			}
		}
	}

	b.BriefingDoc = renderDoc(b, role, planDoc, builderOutput)
	return b
}

func idxExports(idx astindex.Index, path string) []astindex.ExportedSymbol {
	record, ok := idx.Files[path]
	if !ok {
		return nil
	}
	return record.Exports
}

func renderDoc(b Briefing, role Role, planDoc, builderOutput string) string {
	var out strings.Builder
	out.WriteString("Objective: ")
	out.WriteString(b.Objective)
	out.WriteString("\n")
	for _, c := range b.Constraints {
		out.WriteString(c)
		out.WriteString("\n")
	}

	switch role {
	case RoleScout:
		return smartTruncate(out.String(), scoutBudget)
	case RolePlanner:
		out.WriteString(planDoc)
		return smartTruncate(out.String(), plannerBudget)
	case RoleBuilder:
		doc := selectSections(planDoc, []string{"Implementation Steps", "Files to Modify"}, builderBudget-out.Len())
		out.WriteString(doc)
		return smartTruncate(out.String(), builderBudget)
	case RoleReviewer:
		doc := selectSections(planDoc, []string{"Test Requirements", "Security Considerations"}, reviewerBudget/2)
		out.WriteString(doc)
		out.WriteString("\nBuilder output:\n")
		out.WriteString(smartTruncate(builderOutput, reviewerBudget/2))
		return smartTruncate(out.String(), reviewerBudget)
	default:
		return smartTruncate(out.String(), plannerBudget)
	}
}

// Section is one heading-delimited chunk of a parsed markdown document.
type Section struct {
	Level int
	Title string
	Body  string
}

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// ParseMarkdown splits doc into heading-delimited sections. Content
// appearing before the first heading is attributed to a synthetic
// "Content" section.
func ParseMarkdown(doc string) []Section {
	matches := headingRe.FindAllStringSubmatchIndex(doc, -1)
	if len(matches) == 0 {
		if strings.TrimSpace(doc) == "" {
			return nil
		}
		return []Section{{Level: 0, Title: "Content", Body: doc}}
	}

	var sections []Section
	if matches[0][0] > 0 {
		sections = append(sections, Section{Level: 0, Title: "Content", Body: doc[:matches[0][0]]})
	}

	for i, m := range matches {
		level := len(doc[m[2]:m[3]])
		title := strings.TrimSpace(doc[m[4]:m[5]])
		start := m[1]
		end := len(doc)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections = append(sections, Section{Level: level, Title: title, Body: strings.TrimSpace(doc[start:end])})
	}
	return sections
}

// selectSections extracts sections whose title matches one of
// priorityTitles (case-insensitive substring), concatenated in priority
// order, bounded to budget characters. Falls back to the whole document
// (smart-truncated) when no matching section exists.
func selectSections(doc string, priorityTitles []string, budget int) string {
	if budget <= 0 {
		return ""
	}
	sections := ParseMarkdown(doc)
	if len(sections) == 0 {
		return ""
	}

	var parts []string
	for _, want := range priorityTitles {
		for _, s := range sections {
			if strings.Contains(strings.ToLower(s.Title), strings.ToLower(want)) {
				parts = append(parts, fmt.Sprintf("## %s\n%s", s.Title, s.Body))
			}
		}
	}
	if len(parts) == 0 {
		return smartTruncate(doc, budget)
	}
	return smartTruncate(strings.Join(parts, "\n\n"), budget)
}

// smartTruncate bounds s to budget characters, preferring to cut at a
// paragraph boundary, then a sentence boundary, then a word boundary,
// and always appending a visible truncation marker when it cuts.
func smartTruncate(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	limit := budget - len(truncationMarker)
	if limit <= 0 {
		return truncationMarker
	}
	window := s[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > limit/2 {
		return window[:idx] + truncationMarker
	}
	if idx := lastSentenceBoundary(window); idx > limit/2 {
		return window[:idx+1] + truncationMarker
	}
	if idx := strings.LastIndexAny(window, " \t\n"); idx > 0 {
		return window[:idx] + truncationMarker
	}
	return window + truncationMarker
}

func lastSentenceBoundary(s string) int {
	best := -1
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			best = i
		}
	}
	return best
}
