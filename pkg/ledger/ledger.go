// Package ledger implements the Capability Ledger: per-action-keyword,
// per-model-tier counters accumulated from every completed task, queried
// to recommend a starting model tier and a confidence for a new
// objective. The ledger is a process-wide singleton keyed by repo root,
// persisted atomically, and tolerant of a missing or corrupt file (an
// empty ledger is substituted rather than failing a recommendation).
package ledger

import (
	_ "embed"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/state"
)

var log = logger.New("ledger:ledger")

//go:embed schemas/ledger_schema.json
var ledgerSchemaJSON string

var ledgerSchema = func() *jsonschema.Schema {
	schema, err := state.CompileSchema(ledgerSchemaJSON, "https://undercity.dev/schemas/ledger.json")
	if err != nil {
		panic(err)
	}
	return schema
}()

// Counters accumulates one model tier's statistics for one keyword.
type Counters struct {
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	Escalations int     `json:"escalations"`
	TokenCost   int64   `json:"tokenCost"`
	DurationMs  int64   `json:"durationMs"`
	Retries     int     `json:"retries"`
}

// Ledger maps keyword -> tier -> Counters.
type Ledger struct {
	Version int                                         `json:"version"`
	Entries map[string]map[constants.ModelTier]Counters `json:"entries"`
}

func empty() Ledger {
	return Ledger{Version: constants.StateSchemaVersion, Entries: map[string]map[constants.ModelTier]Counters{}}
}

// Load reads path, returning an empty ledger on a missing or corrupt
// file (unknown fields in an otherwise-valid document are tolerated by
// plain JSON unmarshal semantics).
func Load(path string) Ledger {
	var l Ledger
	if !state.ReadJSONValidated(path, &l, ledgerSchema) {
		return empty()
	}
	if l.Entries == nil {
		l.Entries = map[string]map[constants.ModelTier]Counters{}
	}
	if l.Version != constants.StateSchemaVersion {
		log.Printf("ledger version mismatch, treating as empty")
		return empty()
	}
	return l
}

// Save persists l atomically to path.
func Save(path string, l Ledger) error {
	return state.WriteJSON(path, l)
}

// Outcome describes one completed task attempt used to update the ledger.
type Outcome struct {
	Objective  string
	Tier       constants.ModelTier
	Success    bool
	Escalated  bool
	TokenCost  int64
	DurationMs int64
	Retries    int
}

// Record extracts keywords from outcome.Objective (intersected with the
// closed action vocabulary) and updates each matched keyword's counters
// for outcome.Tier.
func Record(l Ledger, outcome Outcome) Ledger {
	for _, kw := range matchedKeywords(outcome.Objective) {
		tiers, ok := l.Entries[kw]
		if !ok {
			tiers = map[constants.ModelTier]Counters{}
			l.Entries[kw] = tiers
		}
		c := tiers[outcome.Tier]
		c.Attempts++
		if outcome.Success {
			c.Successes++
		}
		if outcome.Escalated {
			c.Escalations++
		}
		c.TokenCost += outcome.TokenCost
		c.DurationMs += outcome.DurationMs
		c.Retries += outcome.Retries
		tiers[outcome.Tier] = c
	}
	return l
}

func matchedKeywords(objective string) []string {
	lower := strings.ToLower(objective)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	seen := map[string]bool{}
	var out []string
	vocab := map[string]bool{}
	for _, v := range constants.ActionVocabulary {
		vocab[v] = true
	}
	for _, f := range fields {
		if vocab[f] && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Recommendation is the result of a tier recommendation query.
type Recommendation struct {
	Tier       constants.ModelTier
	Confidence float64
}

// Recommend aggregates counters across objective's matched keywords and
// picks a starting tier: with fewer than minEntries
// total ledger entries or zero matched keywords, default to the middle
// tier with confidence 0.3. Otherwise, among tiers with >=3 attempts and
// >=60% success rate, pick the highest expected value (success rate /
// (relativeCost * max(1, avg retries))). Absent a qualifying tier, fall
// back to heuristics, then clamp confidence.
func Recommend(l Ledger, objective string, relativeCost func(constants.ModelTier) int) Recommendation {
	const minEntries = 5
	keywords := matchedKeywords(objective)
	if totalEntries(l) < minEntries || len(keywords) == 0 {
		return Recommendation{Tier: constants.TierMiddle, Confidence: 0.3}
	}

	agg := aggregate(l, keywords)

	type candidate struct {
		tier constants.ModelTier
		ev   float64
		rate float64
	}
	var qualifying []candidate
	for _, tier := range constants.TierOrder {
		c, ok := agg[tier]
		if !ok || c.Attempts < 3 {
			continue
		}
		successRate := float64(c.Successes) / float64(c.Attempts)
		if successRate < 0.60 {
			continue
		}
		avgRetries := float64(c.Retries) / float64(c.Attempts)
		if avgRetries < 1 {
			avgRetries = 1
		}
		cost := relativeCost(tier)
		if cost < 1 {
			cost = 1
		}
		ev := successRate / (float64(cost) * avgRetries)
		qualifying = append(qualifying, candidate{tier: tier, ev: ev, rate: successRate})
	}

	if len(qualifying) > 0 {
		best := qualifying[0]
		for _, c := range qualifying[1:] {
			if c.ev > best.ev {
				best = c
			}
		}
		return Recommendation{Tier: best.tier, Confidence: min(0.9, best.rate)}
	}

	return fallback(agg)
}

func fallback(agg map[constants.ModelTier]Counters) Recommendation {
	middle := agg[constants.TierMiddle]
	top := agg[constants.TierTop]

	middleRate := rate(middle.Successes, middle.Attempts)
	middleEsc := rate(middle.Escalations, middle.Attempts)
	topRate := rate(top.Successes, top.Attempts)

	if middle.Attempts > 0 && middleRate >= 0.80 && middleEsc < 0.20 {
		return Recommendation{Tier: constants.TierMiddle, Confidence: 0.85}
	}
	if (middle.Attempts > 0 && middleEsc >= 0.30) || (top.Attempts > 0 && topRate > 0.50) {
		return Recommendation{Tier: constants.TierTop, Confidence: 0.85}
	}
	return Recommendation{Tier: constants.TierMiddle, Confidence: 0.3}
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func aggregate(l Ledger, keywords []string) map[constants.ModelTier]Counters {
	out := map[constants.ModelTier]Counters{}
	for _, kw := range keywords {
		for tier, c := range l.Entries[kw] {
			agg := out[tier]
			agg.Attempts += c.Attempts
			agg.Successes += c.Successes
			agg.Escalations += c.Escalations
			agg.TokenCost += c.TokenCost
			agg.DurationMs += c.DurationMs
			agg.Retries += c.Retries
			out[tier] = agg
		}
	}
	return out
}

func totalEntries(l Ledger) int {
	n := 0
	for _, tiers := range l.Entries {
		n += len(tiers)
	}
	return n
}
