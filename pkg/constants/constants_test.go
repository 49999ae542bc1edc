package constants

import "testing"

func TestTierOrderAscendingCost(t *testing.T) {
	if len(TierOrder) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(TierOrder))
	}
	for i := 1; i < len(TierOrder); i++ {
		prev := TierCost[TierOrder[i-1]]
		cur := TierCost[TierOrder[i]]
		if cur <= prev {
			t.Errorf("TierOrder not ascending by cost at index %d: %s(%d) -> %s(%d)",
				i, TierOrder[i-1], prev, TierOrder[i], cur)
		}
	}
}

func TestTierCostCoversAllTiers(t *testing.T) {
	for _, tier := range TierOrder {
		if _, ok := TierCost[tier]; !ok {
			t.Errorf("TierCost missing entry for %s", tier)
		}
	}
}

func TestActionVocabularyLowercaseAndUnique(t *testing.T) {
	seen := make(map[string]bool, len(ActionVocabulary))
	for _, verb := range ActionVocabulary {
		if verb == "" {
			t.Error("ActionVocabulary contains an empty verb")
		}
		for _, r := range verb {
			if r < 'a' || r > 'z' {
				t.Errorf("ActionVocabulary verb %q is not lowercase ascii", verb)
				break
			}
		}
		if seen[verb] {
			t.Errorf("ActionVocabulary contains duplicate verb %q", verb)
		}
		seen[verb] = true
	}
}

func TestWriteToolNames(t *testing.T) {
	for _, name := range []string{"Write", "Edit", "NotebookEdit"} {
		if !WriteToolNames[name] {
			t.Errorf("expected %q to be a write tool", name)
		}
	}
	if WriteToolNames["Read"] {
		t.Error("Read should not be classified as a write tool")
	}
	if WriteToolNames["Bash"] {
		t.Error("Bash should not be classified as a write tool")
	}
}

func TestEventKindsDistinct(t *testing.T) {
	kinds := []EventKind{
		EventGrindStart, EventGrindEnd,
		EventTaskStart, EventTaskComplete, EventTaskFailed, EventTaskEscalated,
		EventMergeAttempt, EventMergeSuccess, EventMergeConflict,
	}
	seen := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			t.Errorf("duplicate event kind %q", k)
		}
		seen[k] = true
	}
}

func TestStateFileNamesAreUniqueAndJSON(t *testing.T) {
	files := map[string]string{
		"PocketFile":      PocketFile,
		"InventoryFile":   InventoryFile,
		"StashFile":       StashFile,
		"ASTIndexFile":    ASTIndexFile,
		"LedgerFile":      LedgerFile,
		"FixPatternsFile": FixPatternsFile,
	}
	seen := make(map[string]string, len(files))
	for field, name := range files {
		if owner, ok := seen[name]; ok {
			t.Errorf("%s and %s share file name %q", field, owner, name)
		}
		seen[name] = field
		if len(name) < 6 || name[len(name)-5:] != ".json" {
			t.Errorf("%s = %q, want a .json suffix", field, name)
		}
	}
	if EventLogFile[len(EventLogFile)-6:] != ".jsonl" {
		t.Errorf("EventLogFile = %q, want a .jsonl suffix", EventLogFile)
	}
}
