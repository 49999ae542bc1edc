// Package state provides the atomic write / tolerant read primitives every
// persisted JSON document in the state directory is built on: pocket,
// inventory, stash, the AST index, the capability ledger, the error-fix
// pattern store, and per-task assignment/checkpoint files. Every write goes
// to a temp file in the same directory, is fsynced, then renamed over the
// target so a crash mid-write never corrupts the previous generation. Every
// read tolerates a missing or corrupt file by handing the caller a
// well-typed zero value (a corrupt file is also logged and backed up),
// never an error that would abort a status query.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/ratelimit"
)

var log = logger.New("state:state")

// Dir resolves the state directory path for a given repo root.
func Dir(repoRoot string) string {
	return filepath.Join(repoRoot, constants.StateDirName)
}

// store registry: one mutex per absolute path so concurrent writers to the
// same file are serialized in-process, matching the single-process-wide
// singleton model the stores built on top of this package rely on.
var (
	mu       sync.Mutex
	fileLock = map[string]*sync.Mutex{}
)

func lockFor(path string) *sync.Mutex {
	mu.Lock()
	defer mu.Unlock()
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	l, ok := fileLock[abs]
	if !ok {
		l = &sync.Mutex{}
		fileLock[abs] = l
	}
	return l
}

// WriteJSON marshals v and writes it atomically to path: a temp file
// alongside path, fsynced, then renamed over the target. A torn write
// leaves the prior file intact.
func WriteJSON(path string, v any) error {
	if !ratelimit.Allow(ratelimit.OperationStateWrite) {
		log.Printf("state write rate exceeded for %s, writing anyway (backpressure signal only)", path)
	}

	l := lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp onto %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads path into v. A missing file is silent: v is left at its
// zero value and ok is false. A corrupt file (bad JSON) logs a warning,
// renames the bad blob aside as a .corrupt backup so it isn't lost, and
// also reports ok=false — callers fall back to a fresh empty value rather
// than treating this as a fatal error.
func ReadJSON(path string, v any) (ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("failed to read %s: %v", path, err)
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("corrupt state file %s, backing up and discarding: %v", path, err)
		backupCorrupt(path, data)
		return false
	}
	return true
}

func backupCorrupt(path string, data []byte) {
	backup := path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		log.Printf("failed to back up corrupt state file %s: %v", path, err)
	}
}

// CleanStaleTemp removes every .<name>.<rand>.tmp file in dir, such as one
// left by a write that crashed between CreateTemp and Rename. It cannot
// tell a stale temp file from one a write in progress is still filling;
// removing that one makes the write's final rename fail, leaving the
// previous target in place.
func CleanStaleTemp(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				log.Printf("failed to remove stale temp file %s: %v", name, err)
			}
		}
	}
}
