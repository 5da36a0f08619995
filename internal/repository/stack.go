package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/islserver/server/internal/subproc"
)

// ShelvedChange is one named stash-like snapshot (§4.C.6).
type ShelvedChange struct {
	Name         string `json:"name"`
	Date         string `json:"date"`
	Description  string `json:"description"`
	FilesChanged int    `json:"filesChanged"`
}

// FetchShelvedChanges lists shelves, single-flight per kind like
// §4.C.3's other fetches.
func (r *Repository) FetchShelvedChanges(ctx context.Context) ([]ShelvedChange, error) {
	r.fetchLocks.shelved.Lock()
	defer r.fetchLocks.shelved.Unlock()

	r.emitBegin("fetchShelvedChanges")

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"shelve", "--list", "--template", "json"},
	})
	if err != nil {
		r.emitChange("fetchShelvedChanges", nil, err)
		return nil, err
	}

	var changes []ShelvedChange
	if err := json.Unmarshal(result.Stdout, &changes); err != nil {
		r.emitChange("fetchShelvedChanges", nil, err)
		return nil, err
	}
	r.emitChange("fetchShelvedChanges", changes, nil)
	return changes, nil
}

// CommitCloudState is the cloud workspace and last-backup timestamp
// (§4.C.7).
type CommitCloudState struct {
	Workspace  string     `json:"workspace"`
	LastBackup *time.Time `json:"lastBackup,omitempty"`
}

// FetchCommitCloudState fetches cloud sync status. Cloud connectivity
// is inherently flaky, so failures are treated the same as §4.C.3's
// transient-fetch policy: dropped, not stored, next poll retries.
func (r *Repository) FetchCommitCloudState(ctx context.Context) (*CommitCloudState, error) {
	r.fetchLocks.commitCloud.Lock()
	defer r.fetchLocks.commitCloud.Unlock()

	r.emitBegin("fetchCommitCloudState")

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"cloud", "status", "--template", "json"},
	})
	if err != nil {
		return nil, nil
	}

	var raw struct {
		Workspace  string `json:"workspace"`
		LastBackup string `json:"lastBackup"`
	}
	if err := json.Unmarshal(result.Stdout, &raw); err != nil {
		return nil, nil
	}

	state := &CommitCloudState{Workspace: raw.Workspace}
	if raw.LastBackup != "" {
		if t, err := time.Parse(time.RFC3339, raw.LastBackup); err == nil {
			state.LastBackup = &t
		}
	}
	r.emitChange("fetchCommitCloudState", state, nil)
	return state, nil
}

// DiffSummary is one file's change stats within a comparison (§4.C.8).
type DiffSummary struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
	Binary       bool   `json:"binary"`
}

// Comparison is the result of requestComparison (§4.C.8).
type Comparison struct {
	A       string        `json:"a"`
	B       string        `json:"b"`
	Summary []DiffSummary `json:"summary"`
}

// RequestComparison diffs two revisions. Subject to the same read-slot
// rate limiter as Cat/Blame since a wide comparison can fan out widely.
func (r *Repository) RequestComparison(ctx context.Context, a, b string) (*Comparison, error) {
	if err := r.acquireReadSlot(ctx); err != nil {
		return nil, err
	}
	defer r.releaseReadSlot()

	r.fetchLocks.comparison.Lock()
	defer r.fetchLocks.comparison.Unlock()

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"diff", "--stat", "--template", "json", "-r", fmt.Sprintf("%s::%s", a, b)},
	})
	if err != nil {
		return nil, err
	}

	var summary []DiffSummary
	if err := json.Unmarshal(result.Stdout, &summary); err != nil {
		return nil, fmt.Errorf("repository: parsing comparison: %w", err)
	}
	return &Comparison{A: a, B: b, Summary: summary}, nil
}

// FetchDiffSummaries diffs one commit at a time, each call taking its
// own read slot so a large hash list doesn't monopolize the limiter.
func (r *Repository) FetchDiffSummaries(ctx context.Context, hashes []string) ([]DiffSummary, error) {
	var all []DiffSummary
	for _, h := range hashes {
		if err := r.acquireReadSlot(ctx); err != nil {
			return nil, err
		}
		result, err := subproc.Run(ctx, subproc.Spec{
			Exe:  r.Command,
			Dir:  r.Dir,
			Args: []string{"diff", "--stat", "--template", "json", "-c", h},
		})
		r.releaseReadSlot()
		if err != nil {
			return nil, err
		}

		var summary []DiffSummary
		if err := json.Unmarshal(result.Stdout, &summary); err != nil {
			return nil, fmt.Errorf("repository: parsing diff summary for %s: %w", h, err)
		}
		all = append(all, summary...)
	}
	return all, nil
}

// Cat reads a file's content at a revision (§4.C.5).
func (r *Repository) Cat(ctx context.Context, path, rev string) ([]byte, error) {
	if err := r.acquireReadSlot(ctx); err != nil {
		return nil, err
	}
	defer r.releaseReadSlot()

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"cat", "-r", rev, path},
	})
	if err != nil {
		return nil, err
	}
	return result.Stdout, nil
}

// BlameLine is one annotated line (§4.C.5).
type BlameLine struct {
	Line    int    `json:"line"`
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

// Blame annotates a file at a revision.
func (r *Repository) Blame(ctx context.Context, path, rev string) ([]BlameLine, error) {
	if err := r.acquireReadSlot(ctx); err != nil {
		return nil, err
	}
	defer r.releaseReadSlot()

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"annotate", "--template", "json", "-r", rev, path},
	})
	if err != nil {
		return nil, err
	}

	var lines []BlameLine
	if err := json.Unmarshal(result.Stdout, &lines); err != nil {
		return nil, fmt.Errorf("repository: parsing blame: %w", err)
	}
	return lines, nil
}

// ExportedCommit is one commit's exported patch (§4.C.9).
type ExportedCommit struct {
	Hash        string `json:"hash"`
	Description string `json:"description"`
	Diff        string `json:"diff"`
}

// ExportedStack is a linear range of commits serialized for transport.
type ExportedStack struct {
	Commits []ExportedCommit `json:"commits"`
}

// ExportStack serializes revset into hash/description/diff triples.
func (r *Repository) ExportStack(ctx context.Context, revset string) (*ExportedStack, error) {
	hashesResult, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"log", "--template", "{node}\n", "-r", revset},
	})
	if err != nil {
		return nil, err
	}

	hashes := strings.Fields(string(hashesResult.Stdout))
	commits := make([]ExportedCommit, 0, len(hashes))
	for _, hash := range hashes {
		descResult, err := subproc.Run(ctx, subproc.Spec{
			Exe:  r.Command,
			Dir:  r.Dir,
			Args: []string{"log", "--template", "{desc}", "-r", hash},
		})
		if err != nil {
			return nil, err
		}

		diffResult, err := subproc.Run(ctx, subproc.Spec{
			Exe:  r.Command,
			Dir:  r.Dir,
			Args: []string{"export", "-r", hash},
		})
		if err != nil {
			return nil, err
		}

		commits = append(commits, ExportedCommit{
			Hash:        hash,
			Description: string(descResult.Stdout),
			Diff:        string(diffResult.Stdout),
		})
	}
	return &ExportedStack{Commits: commits}, nil
}

// ImportOperation is one step of applying an exported stack back. This
// package only builds the steps; the router runs them one after another
// with subproc.Run between MarkOperationRunning and
// MarkOperationFinished, outside the operation queue.
type ImportOperation struct {
	Args  []string
	Stdin []byte
}

// PlanStackImport turns an ExportedStack into the ordered sequence of
// import operations needed to apply it (§4.C.9).
func PlanStackImport(stack *ExportedStack) []ImportOperation {
	ops := make([]ImportOperation, 0, len(stack.Commits))
	for _, c := range stack.Commits {
		ops = append(ops, ImportOperation{
			Args:  []string{"import", "--message", c.Description, "-"},
			Stdin: []byte(c.Diff),
		})
	}
	return ops
}
