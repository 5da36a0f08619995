package repository

import (
	"context"
	"testing"
)

func TestParseRemoteURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantHost  string
		wantOwner string
		wantRepo  string
		wantOK    bool
	}{
		{
			name:      "https with .git suffix",
			url:       "https://github.com/facebook/sapling.git",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "https without .git suffix",
			url:       "https://github.com/facebook/sapling",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "bare host path",
			url:       "github.com/facebook/sapling.git",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "scp-like",
			url:       "git@github.com:facebook/sapling.git",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "ssh scheme",
			url:       "ssh://git@github.com/facebook/sapling.git",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "git+ssh scheme with colon separator",
			url:       "git+ssh://git@github.internal.example.com:facebook/sapling.git",
			wantHost:  "github.internal.example.com",
			wantOwner: "facebook",
			wantRepo:  "sapling",
			wantOK:    true,
		},
		{
			name:      "repo name containing a dot",
			url:       "https://github.com/facebook/sapling.widgets.git",
			wantHost:  "github.com",
			wantOwner: "facebook",
			wantRepo:  "sapling.widgets",
			wantOK:    true,
		},
		{
			name:   "not a remote url",
			url:    "not a url at all",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, owner, repo, ok := parseRemoteURL(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if host != tt.wantHost || owner != tt.wantOwner || repo != tt.wantRepo {
				t.Errorf("parseRemoteURL(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.url, host, owner, repo, tt.wantHost, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}

func TestClassifyCodeReviewSystem(t *testing.T) {
	ghHostCache.mu.Lock()
	ghHostCache.m = make(map[string]bool)
	ghHostCache.mu.Unlock()

	ctx := context.Background()

	if got := classifyCodeReviewSystem(ctx, "", nil); got.Kind != CodeReviewNone {
		t.Errorf("empty remote = %+v, want CodeReviewNone", got)
	}

	if got := classifyCodeReviewSystem(ctx, "https://github.com/facebook/sapling.git", nil); got.Kind != CodeReviewGitHub ||
		got.Owner != "facebook" || got.Repo != "sapling" || got.Hostname != "github.com" {
		t.Errorf("github.com = %+v, want github{owner:facebook repo:sapling hostname:github.com}", got)
	}

	if got := classifyCodeReviewSystem(ctx, "https://phabricator.example.com/source/repo", nil); got.Kind != CodeReviewPhabricator ||
		got.Repo != "repo" {
		t.Errorf("phabricator host = %+v, want phabricator{repo:repo}", got)
	}

	authedProbe := func(_ context.Context, _ string) (bool, error) { return true, nil }
	if got := classifyCodeReviewSystem(ctx, "git@ghe.example.com:owner/repo.git", authedProbe); got.Kind != CodeReviewGHEnterprise ||
		got.Owner != "owner" || got.Repo != "repo" || got.Hostname != "ghe.example.com" {
		t.Errorf("authed unknown host = %+v, want githubEnterprise{owner:owner repo:repo hostname:ghe.example.com}", got)
	}

	unauthedProbe := func(_ context.Context, _ string) (bool, error) { return false, nil }
	if got := classifyCodeReviewSystem(ctx, "git@unknown.example.org:owner/repo.git", unauthedProbe); got.Kind != CodeReviewUnknown ||
		got.Path != "git@unknown.example.org:owner/repo.git" {
		t.Errorf("unauthed unknown host = %+v, want unknown{path:git@unknown.example.org:owner/repo.git}", got)
	}
}

func TestParseSmartlogOutput(t *testing.T) {
	raw := "abc123" + fieldSep + "a title" + fieldSep + "me" + fieldSep + "2026-01-01" +
		fieldSep + "main " + fieldSep + "draft" + fieldSep + "a title\n\nbody line" + recordSep +
		"def456" + fieldSep + "another" + fieldSep + "me" + fieldSep + "2026-01-02" +
		fieldSep + "" + fieldSep + "public" + fieldSep + "another" + recordSep

	commits, err := parseSmartlogOutput(raw)
	if err != nil {
		t.Fatalf("parseSmartlogOutput: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("len(commits) = %d, want 2", len(commits))
	}
	if commits[0].Hash != "abc123" || commits[0].Phase != "draft" {
		t.Errorf("commits[0] = %+v", commits[0])
	}
	if commits[0].Description != "a title\n\nbody line" {
		t.Errorf("description = %q, want newlines preserved", commits[0].Description)
	}
	if len(commits[0].Bookmarks) != 1 || commits[0].Bookmarks[0] != "main" {
		t.Errorf("bookmarks = %v, want [main]", commits[0].Bookmarks)
	}
	if len(commits[1].Bookmarks) != 0 {
		t.Errorf("commits[1] bookmarks = %v, want none", commits[1].Bookmarks)
	}
}

func TestParseSmartlogOutputEmpty(t *testing.T) {
	commits, err := parseSmartlogOutput("")
	if err != nil {
		t.Fatalf("parseSmartlogOutput: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("len(commits) = %d, want 0", len(commits))
	}
}

func TestMergeConflictFiles(t *testing.T) {
	tests := []struct {
		name            string
		previous        []ConflictFile
		stillConflicted []string
		want            []ConflictFile
	}{
		{
			name:            "fresh conflicts with no history",
			previous:        nil,
			stillConflicted: []string{"a.go", "b.go"},
			want: []ConflictFile{
				{Path: "a.go", Status: ConflictUnresolved},
				{Path: "b.go", Status: ConflictUnresolved},
			},
		},
		{
			name: "a previously conflicted file becomes resolved",
			previous: []ConflictFile{
				{Path: "a.go", Status: ConflictUnresolved},
				{Path: "b.go", Status: ConflictUnresolved},
			},
			stillConflicted: []string{"b.go"},
			want: []ConflictFile{
				{Path: "a.go", Status: ConflictResolved},
				{Path: "b.go", Status: ConflictUnresolved},
			},
		},
		{
			name: "a new conflict appears alongside existing ones",
			previous: []ConflictFile{
				{Path: "a.go", Status: ConflictResolved},
			},
			stillConflicted: []string{"a.go", "c.go"},
			want: []ConflictFile{
				{Path: "a.go", Status: ConflictUnresolved},
				{Path: "c.go", Status: ConflictUnresolved},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeConflictFiles(tt.previous, tt.stillConflicted)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("files[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
