package repository

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/islserver/server/internal/subproc"
)

// FetchLatestCommit resolves the working copy's parent commit (`.`),
// using the same templated row shape as FetchSmartlogCommits so the
// two results are interchangeable on the wire.
func (r *Repository) FetchLatestCommit(ctx context.Context) (*SmartlogCommit, error) {
	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"log", "--template", smartlogTemplate, "-r", "."},
	})
	if err != nil {
		return nil, err
	}
	commits, err := parseSmartlogOutput(string(result.Stdout))
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, ErrNoCommitsFetched
	}
	return &commits[0], nil
}

// FetchAllCommitChangedFiles reports, for each hash, the repo-relative
// paths that commit touched. One subprocess call per hash, each taking
// its own read slot like Cat/Blame (§4.C.5).
func (r *Repository) FetchAllCommitChangedFiles(ctx context.Context, hashes []string) (map[string][]string, error) {
	out := make(map[string][]string, len(hashes))
	for _, h := range hashes {
		if err := r.acquireReadSlot(ctx); err != nil {
			return nil, err
		}
		result, err := subproc.Run(ctx, subproc.Spec{
			Exe:  r.Command,
			Dir:  r.Dir,
			Args: []string{"status", "--change", h, "--template", "{path}\n"},
		})
		r.releaseReadSlot()
		if err != nil {
			return nil, fmt.Errorf("repository: changed files for %s: %w", h, err)
		}
		out[h] = strings.Fields(string(result.Stdout))
	}
	return out, nil
}

// generatedFileMarker is the convention tooling uses to mark a file as
// machine-produced; ISL greys these out in the file list rather than
// treating them as authored changes.
const generatedFileMarker = "@generated"

// FetchGeneratedStatuses classifies each path as generated by sniffing
// its first line for generatedFileMarker via `cat` at the working
// copy's parent revision.
func (r *Repository) FetchGeneratedStatuses(ctx context.Context, paths []string) (map[string]bool, error) {
	out := make(map[string]bool, len(paths))
	for _, p := range paths {
		content, err := r.Cat(ctx, p, ".")
		if err != nil {
			out[p] = false
			continue
		}
		out[p] = firstLineHasMarker(content)
	}
	return out, nil
}

func firstLineHasMarker(content []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	if !scanner.Scan() {
		return false
	}
	return strings.Contains(scanner.Text(), generatedFileMarker)
}

// RequestComparisonContextLines expands the unified diff around path
// with extra context lines (§4.C.8's "load more context" affordance).
func (r *Repository) RequestComparisonContextLines(ctx context.Context, a, b, path string, context int) (string, error) {
	if err := r.acquireReadSlot(ctx); err != nil {
		return "", err
	}
	defer r.releaseReadSlot()

	result, err := subproc.Run(ctx, subproc.Spec{
		Exe:  r.Command,
		Dir:  r.Dir,
		Args: []string{"diff", "--unified", fmt.Sprint(context), "-r", fmt.Sprintf("%s::%s", a, b), path},
	})
	if err != nil {
		return "", err
	}
	return string(result.Stdout), nil
}
