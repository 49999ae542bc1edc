// Package astindex maintains the AST Index: a single persisted JSON
// document describing every exported top-level declaration across the
// repository's Go source, plus the reverse maps (symbol → files,
// file → importers) that power the Context Briefer's relevance scoring
// and the Worker's find-files-defining / find-importers queries.
//
// The index is kept in sync incrementally: each candidate file's content
// hash is recomputed and compared to the stored record; unchanged files
// are skipped entirely. A parse error on one file is isolated, and a
// corrupt on-disk index is discarded in favor of an empty one rather than
// failing the rebuild.
package astindex

import (
	"crypto/md5" //nolint:gosec // content-change fingerprint, not a security boundary
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/gitutil"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/state"
)

var log = logger.New("astindex:astindex")

// SymbolKind classifies an exported top-level declaration.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindConst     SymbolKind = "const"
	KindEnum      SymbolKind = "enum"
)

// ExportedSymbol is one exported top-level declaration in a file.
type ExportedSymbol struct {
	Name   string     `json:"name"`
	Kind   SymbolKind `json:"kind"`
	Line   int        `json:"line"`
}

// Import is one import spec in a file's import block. ResolvedPath is the
// repo-relative directory the specifier names, set only for local
// (intra-module) imports; external imports leave it nil.
type Import struct {
	Specifier    string  `json:"specifier"`
	ResolvedPath *string `json:"resolvedPath"`
}

// FileRecord is the per-file entry of the index.
type FileRecord struct {
	Path    string           `json:"path"`
	MD5     string           `json:"md5"`
	Exports []ExportedSymbol `json:"exports"`
	Imports []Import         `json:"imports"`
}

// Index is the persisted document: version tag, the git HEAD at the last
// full build, every file record, and the two reverse maps.
type Index struct {
	Version     int                    `json:"version"`
	BuiltAtHEAD string                 `json:"builtAtHead"`
	Files       map[string]FileRecord  `json:"files"`
	SymbolFiles map[string][]string    `json:"symbolFiles"` // symbol -> files defining it
	Importers   map[string][]string    `json:"importers"`   // package dir -> files importing it
}

func empty() Index {
	return Index{
		Version:     constants.StateSchemaVersion,
		Files:       map[string]FileRecord{},
		SymbolFiles: map[string][]string{},
		Importers:   map[string][]string{},
	}
}

// Load reads path, discarding and replacing with an empty index on any
// corruption (bad JSON, wrong version, missing maps). A HEAD mismatch
// against currentHEAD is only logged: the loaded index is returned as is
// and no rebuild is triggered, so stale records are refreshed only as
// Update rehashes the files it is given.
func Load(path, currentHEAD string) Index {
	var idx Index
	if !state.ReadJSON(path, &idx) {
		return empty()
	}
	if idx.Version != constants.StateSchemaVersion {
		log.Printf("ast index version mismatch, discarding")
		return empty()
	}
	if idx.Files == nil || idx.SymbolFiles == nil || idx.Importers == nil {
		log.Printf("ast index missing required fields, discarding")
		return empty()
	}
	if currentHEAD != "" && idx.BuiltAtHEAD != "" && idx.BuiltAtHEAD != currentHEAD {
		log.Printf("ast index stale HEAD (%s != %s), keeping loaded index", idx.BuiltAtHEAD, currentHEAD)
	}
	return idx
}

// Save persists idx atomically to path.
func Save(path string, idx Index) error {
	return state.WriteJSON(path, idx)
}

// Update incrementally reindexes candidateFiles (repo-relative, forward
// slashed paths rooted at repoRoot). Each file's MD5 is recomputed; an
// unchanged hash skips reparsing entirely. A parse error isolates that
// file — its previous record (if any) is left untouched and the rest of
// the batch proceeds. Both reverse maps are swapped atomically per file.
func Update(idx Index, repoRoot string, candidateFiles []string) Index {
	for _, rel := range candidateFiles {
		abs := filepath.Join(repoRoot, filepath.FromSlash(rel))
		src, err := os.ReadFile(abs)
		if err != nil {
			log.Printf("skipping %s: %v", rel, err)
			continue
		}
		sum := md5.Sum(src) //nolint:gosec
		hash := fmt.Sprintf("%x", sum)

		if existing, ok := idx.Files[rel]; ok && existing.MD5 == hash {
			continue
		}

		record, err := parseFile(repoRoot, rel, abs, src)
		if err != nil {
			log.Printf("parse error on %s, skipping: %v", rel, err)
			continue
		}
		record.MD5 = hash
		removeFromReverseMaps(&idx, rel)
		idx.Files[rel] = record
		addToReverseMaps(&idx, rel, record)
	}
	return idx
}

func removeFromReverseMaps(idx *Index, path string) {
	old, ok := idx.Files[path]
	if !ok {
		return
	}
	for _, sym := range old.Exports {
		idx.SymbolFiles[sym.Name] = removeString(idx.SymbolFiles[sym.Name], path)
		if len(idx.SymbolFiles[sym.Name]) == 0 {
			delete(idx.SymbolFiles, sym.Name)
		}
	}
	for _, imp := range old.Imports {
		if imp.ResolvedPath == nil {
			continue
		}
		idx.Importers[*imp.ResolvedPath] = removeString(idx.Importers[*imp.ResolvedPath], path)
		if len(idx.Importers[*imp.ResolvedPath]) == 0 {
			delete(idx.Importers, *imp.ResolvedPath)
		}
	}
}

func addToReverseMaps(idx *Index, path string, record FileRecord) {
	for _, sym := range record.Exports {
		idx.SymbolFiles[sym.Name] = appendUnique(idx.SymbolFiles[sym.Name], path)
	}
	for _, imp := range record.Imports {
		if imp.ResolvedPath == nil {
			continue
		}
		idx.Importers[*imp.ResolvedPath] = appendUnique(idx.Importers[*imp.ResolvedPath], path)
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// parseFile extracts top-level exported declarations only; nested and
// unexported declarations are ignored.
func parseFile(repoRoot, relPath, absPath string, src []byte) (FileRecord, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, absPath, src, parser.ImportsOnly|parser.ParseComments)
	if err != nil {
		return FileRecord{}, err
	}
	// Reparse with full body so declarations beyond imports are visible.
	file, err = parser.ParseFile(fset, absPath, src, parser.ParseComments)
	if err != nil {
		return FileRecord{}, err
	}

	record := FileRecord{Path: relPath}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if !d.Name.IsExported() {
				continue
			}
			record.Exports = append(record.Exports, ExportedSymbol{
				Name: d.Name.Name,
				Kind: KindFunction,
				Line: fset.Position(d.Pos()).Line,
			})
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if !s.Name.IsExported() {
						continue
					}
					record.Exports = append(record.Exports, ExportedSymbol{
						Name: s.Name.Name,
						Kind: typeKind(s.Type),
						Line: fset.Position(s.Pos()).Line,
					})
				case *ast.ValueSpec:
					if d.Tok != token.CONST {
						continue
					}
					for _, name := range s.Names {
						if !name.IsExported() {
							continue
						}
						record.Exports = append(record.Exports, ExportedSymbol{
							Name: name.Name,
							Kind: KindConst,
							Line: fset.Position(name.Pos()).Line,
						})
					}
				}
			}
		}
	}

	for _, imp := range file.Imports {
		spec := strings.Trim(imp.Path.Value, `"`)
		record.Imports = append(record.Imports, Import{
			Specifier:    spec,
			ResolvedPath: resolveImport(repoRoot, spec),
		})
	}

	return record, nil
}

func typeKind(expr ast.Expr) SymbolKind {
	switch expr.(type) {
	case *ast.StructType:
		return KindClass
	case *ast.InterfaceType:
		return KindInterface
	default:
		return KindType
	}
}

// resolveImport resolves a local (intra-module) import specifier to the
// repo-relative directory it names, or nil for an external (stdlib or
// third-party) import. Rather than requiring the module's declared path
// (go.mod may be absent, as in a scratch tree under test), it strips the
// specifier's leading path segments one at a time — longest remaining
// suffix first — and accepts the first suffix that names a real directory
// under repoRoot. A stdlib package never contains a slash and is rejected
// outright; a third-party import's suffix essentially never collides with
// an existing repo directory, so false positives are rare in practice.
func resolveImport(repoRoot, specifier string) *string {
	if !strings.Contains(specifier, "/") {
		return nil // stdlib single-segment import, never local
	}
	segments := strings.Split(specifier, "/")
	for i := 1; i < len(segments); i++ {
		candidate := strings.Join(segments[i:], "/")
		info, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(candidate)))
		if err == nil && info.IsDir() {
			return &candidate
		}
	}
	return nil
}

// FindFilesDefining returns every file exporting symbol.
func FindFilesDefining(idx Index, symbol string) []string {
	files := append([]string(nil), idx.SymbolFiles[symbol]...)
	sort.Strings(files)
	return files
}

// FindImporters returns every file importing the package directory path
// lives in. Import edges are recorded per-directory (a Go import names a
// package, not a single file), so this resolves path to its directory
// before consulting the reverse map.
func FindImporters(idx Index, path string) []string {
	dir := filepath.ToSlash(filepath.Dir(path))
	files := append([]string(nil), idx.Importers[dir]...)
	sort.Strings(files)
	return files
}

// FindImports returns path's local (intra-repo) imports, external imports
// filtered out.
func FindImports(idx Index, path string) []string {
	record, ok := idx.Files[path]
	if !ok {
		return nil
	}
	var out []string
	for _, imp := range record.Imports {
		if imp.ResolvedPath != nil {
			out = append(out, *imp.ResolvedPath)
		}
	}
	sort.Strings(out)
	return out
}

// SearchSymbols returns every exported symbol whose name contains pattern
// (case-insensitive), across all indexed files.
func SearchSymbols(idx Index, pattern string) []ExportedSymbol {
	pattern = strings.ToLower(pattern)
	var out []ExportedSymbol
	for _, path := range sortedKeys(idx.Files) {
		for _, sym := range idx.Files[path].Exports {
			if strings.Contains(strings.ToLower(sym.Name), pattern) {
				out = append(out, sym)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]FileRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CurrentHEAD returns the short git HEAD commit for repoRoot, or "" if it
// cannot be determined (not a repo, git unavailable).
func CurrentHEAD(repoRoot string) string {
	return gitutil.ShortSHA(headRevParse(repoRoot))
}

func headRevParse(repoRoot string) string {
	data, err := os.ReadFile(filepath.Join(repoRoot, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, "ref: ") {
		ref := strings.TrimPrefix(content, "ref: ")
		refData, err := os.ReadFile(filepath.Join(repoRoot, ".git", ref))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(refData))
	}
	return content
}
