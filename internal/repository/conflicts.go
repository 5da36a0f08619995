package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/islserver/server/internal/subproc"
)

// ConflictFileStatus marks whether a path is still unresolved or has
// been resolved since the previous check.
type ConflictFileStatus string

const (
	ConflictUnresolved ConflictFileStatus = "U"
	ConflictResolved   ConflictFileStatus = "Resolved"
)

// ConflictFile is one path tracked by the merge-conflict state machine.
type ConflictFile struct {
	Path   string             `json:"path"`
	Status ConflictFileStatus `json:"status"`
}

// MergeConflictState is one of the three states §4.C.4 names.
type MergeConflictState string

const (
	MergeConflictNone    MergeConflictState = "none"
	MergeConflictLoading MergeConflictState = "loading"
	MergeConflictLoaded  MergeConflictState = "loaded"
)

// MergeConflicts is the emitted value for the "mergeConflicts" fetch
// kind. SuccessorHash carries only the first of any successor hashes
// the resolve command's mutation metadata reports — §4.C.4 is explicit
// that the rest are discarded.
type MergeConflicts struct {
	State         MergeConflictState `json:"state"`
	Command       string             `json:"command,omitempty"`
	Files         []ConflictFile     `json:"files,omitempty"`
	SuccessorHash string             `json:"successorHash,omitempty"`
}

func (r *Repository) mergeMarkerPath() string {
	r.mu.Lock()
	info := r.info
	r.mu.Unlock()
	if info != nil && info.Dotdir != "" {
		return filepath.Join(info.Dotdir, "merge")
	}
	return filepath.Join(r.Dir, ".sl", "merge")
}

func (r *Repository) setConflictState(c MergeConflicts) {
	r.conflictMu.Lock()
	r.conflict = c
	r.conflictMu.Unlock()
	r.emitChange("mergeConflicts", c, nil)
}

func (r *Repository) conflictState() MergeConflicts {
	r.conflictMu.Lock()
	defer r.conflictMu.Unlock()
	return r.conflict
}

type resolveDumpJSON struct {
	Command   *string  `json:"command"`
	Conflicts []string `json:"conflicts"`
	Successors []string `json:"successors"`
}

// CheckMergeConflicts implements §4.C.4's algorithm exactly: a fast
// path when no merge is in progress and the state is already none, a
// "loading" emit before the subprocess call, then either a transition
// back to none or to loaded{command, files} with the previous files'
// resolved/unresolved status carried forward.
func (r *Repository) CheckMergeConflicts(ctx context.Context) MergeConflicts {
	r.fetchLocks.conflicts.Lock()
	defer r.fetchLocks.conflicts.Unlock()

	current := r.conflictState()

	if current.State == MergeConflictNone {
		if _, err := os.Stat(r.mergeMarkerPath()); err != nil {
			return current
		}
		current = MergeConflicts{State: MergeConflictLoading}
		r.setConflictState(current)
	}

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"resolve", "--tool", "internal:dumpjson", "--all"},
	})
	if err != nil || result == nil || result.ExitCode != 0 {
		current = MergeConflicts{State: MergeConflictNone}
		r.setConflictState(current)
		return current
	}

	var parsed resolveDumpJSON
	if err := json.Unmarshal(result.Stdout, &parsed); err != nil || parsed.Command == nil {
		current = MergeConflicts{State: MergeConflictNone}
		r.setConflictState(current)
		return current
	}

	files := mergeConflictFiles(current.Files, parsed.Conflicts)
	successor := ""
	if len(parsed.Successors) > 0 {
		successor = parsed.Successors[0]
	}
	current = MergeConflicts{
		State:         MergeConflictLoaded,
		Command:       *parsed.Command,
		Files:         files,
		SuccessorHash: successor,
	}
	r.setConflictState(current)
	return current
}

// mergeConflictFiles preserves the previous ordering: a previously
// tracked path keeps "U" if it's still reported conflicted, else flips
// to "Resolved"; any newly reported path is appended as "U".
func mergeConflictFiles(previous []ConflictFile, stillConflicted []string) []ConflictFile {
	stillSet := make(map[string]bool, len(stillConflicted))
	for _, p := range stillConflicted {
		stillSet[p] = true
	}

	seen := make(map[string]bool, len(previous))
	files := make([]ConflictFile, 0, len(previous)+len(stillConflicted))
	for _, f := range previous {
		seen[f.Path] = true
		status := ConflictResolved
		if stillSet[f.Path] {
			status = ConflictUnresolved
		}
		files = append(files, ConflictFile{Path: f.Path, Status: status})
	}
	for _, p := range stillConflicted {
		if !seen[p] {
			files = append(files, ConflictFile{Path: p, Status: ConflictUnresolved})
		}
	}
	return files
}
