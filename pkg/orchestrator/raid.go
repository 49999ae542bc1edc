package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/scheduler"
	"github.com/duskforge/undercity/pkg/state"
	"github.com/duskforge/undercity/pkg/worker"
)

// RaidStatus is the raid's top-level lifecycle state.
type RaidStatus string

const (
	RaidPlanning         RaidStatus = "planning"
	RaidAwaitingApproval RaidStatus = "awaiting-approval"
	RaidExecuting        RaidStatus = "executing"
	RaidMerging          RaidStatus = "merging"
	RaidComplete         RaidStatus = "complete"
	RaidFailed           RaidStatus = "failed"
)

// Raid is the aggregate of tasks working toward one goal. At most one
// raid is active per state directory; pocket.json holds the pointer to
// it, and on completion its summary moves into stash.json's history.
type Raid struct {
	ID           string             `json:"id"`
	Goal         string             `json:"goal"`
	Status       RaidStatus         `json:"status"`
	PlanApproved bool               `json:"planApproved"`
	Tasks        []worker.Task      `json:"tasks"`
	Specs        []scheduler.TaskSpec `json:"specs"`
	CreatedAt    time.Time          `json:"createdAt"`
	CompletedAt  time.Time          `json:"completedAt,omitempty"`
}

// Pocket is the small pointer file naming the currently active raid, if
// any. An empty ActiveRaidID means no raid is in flight.
type Pocket struct {
	ActiveRaidID string     `json:"activeRaidId"`
	Status       RaidStatus `json:"status,omitempty"`
}

// Inventory is the full aggregate for the raid Pocket points at.
type Inventory struct {
	Raid Raid `json:"raid"`
}

// StashEntry is one completed (or surrendered) raid's summary, kept
// after its working state is cleared from the pocket/inventory.
type StashEntry struct {
	RaidID      string     `json:"raidId"`
	Goal        string     `json:"goal"`
	Status      RaidStatus `json:"status"`
	TaskCount   int        `json:"taskCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt time.Time  `json:"completedAt"`
}

// Stash is the append-only history of every raid that has left the pocket.
type Stash struct {
	History []StashEntry `json:"history"`
}

func pocketPath(repoRoot string) string {
	return filepath.Join(state.Dir(repoRoot), constants.PocketFile)
}

func inventoryPath(repoRoot string) string {
	return filepath.Join(state.Dir(repoRoot), constants.InventoryFile)
}

func stashPath(repoRoot string) string {
	return filepath.Join(state.Dir(repoRoot), constants.StashFile)
}

func loadPocket(repoRoot string) Pocket {
	var p Pocket
	state.ReadJSON(pocketPath(repoRoot), &p)
	return p
}

func savePocket(repoRoot string, p Pocket) error {
	return state.WriteJSON(pocketPath(repoRoot), p)
}

func loadInventory(repoRoot string) (Inventory, bool) {
	var inv Inventory
	ok := state.ReadJSON(inventoryPath(repoRoot), &inv)
	return inv, ok
}

func saveInventory(repoRoot string, inv Inventory) error {
	return state.WriteJSON(inventoryPath(repoRoot), inv)
}

func loadStash(repoRoot string) Stash {
	var s Stash
	state.ReadJSON(stashPath(repoRoot), &s)
	return s
}

func appendStash(repoRoot string, entry StashEntry) error {
	s := loadStash(repoRoot)
	s.History = append(s.History, entry)
	return state.WriteJSON(stashPath(repoRoot), s)
}

// clearPocket removes the active-raid pointer, leaving the inventory
// file itself in place as a record of the last raid's final task states
// until a new raid overwrites it. Status reports no raid once the pointer
// is cleared.
func clearPocket(repoRoot string) error {
	return savePocket(repoRoot, Pocket{})
}
