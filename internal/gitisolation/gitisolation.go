// Package gitisolation gives every workflow its own git worktree: a
// dedicated checkout rooted at a separate path but sharing the source
// repository's object store, per spec §4.H. Worktree creation/removal
// shells out to the git binary (go-git v5 has no linked-worktree support),
// while HEAD tracking and diff computation use go-git against the
// worktree's own gitdir, since both of those operations are well supported
// and avoid spawning a subprocess on the orchestrator's hot path.
package gitisolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/agentflow/agentflow/internal/state"
)

// Isolation creates and tears down per-workflow worktrees rooted under
// WorktreeRoot, all linked against the object store at RepoPath.
type Isolation struct {
	RepoPath     string
	WorktreeRoot string
}

// New returns an Isolation rooting new worktrees under worktreeRoot and
// sharing repoPath's object store.
func New(repoPath, worktreeRoot string) *Isolation {
	return &Isolation{RepoPath: repoPath, WorktreeRoot: worktreeRoot}
}

// Worktree is the result of creating one per-workflow checkout.
type Worktree struct {
	Path       string
	Name       string
	BaseCommit string
}

// Create runs `git worktree add` for workflowID off baseRef (typically
// "HEAD" or a named branch), returning the new worktree's path, branch
// name, and the base commit it was cut from.
func (iso *Isolation) Create(ctx context.Context, workflowID, baseRef string) (Worktree, error) {
	if baseRef == "" {
		baseRef = "HEAD"
	}
	name := "wf-" + workflowID
	path := filepath.Join(iso.WorktreeRoot, name)

	cmd := exec.CommandContext(ctx, "git", "-C", iso.RepoPath, "worktree", "add", "-b", name, path, baseRef)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Worktree{}, fmt.Errorf("gitisolation: worktree add %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}

	head, err := iso.HeadCommit(ctx, path)
	if err != nil {
		return Worktree{}, fmt.Errorf("gitisolation: read base commit for new worktree %s: %w", path, err)
	}
	return Worktree{Path: path, Name: name, BaseCommit: head}, nil
}

// Teardown removes the worktree at path (and its branch), unless retain is
// true, in which case it is left on disk for post-mortem inspection (spec
// §4.H "subject to a retention flag").
func (iso *Isolation) Teardown(ctx context.Context, path, name string, retain bool) error {
	if retain {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", iso.RepoPath, "worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gitisolation: worktree remove %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	if name != "" {
		_ = exec.CommandContext(ctx, "git", "-C", iso.RepoPath, "branch", "-D", name).Run()
	}
	prune := exec.CommandContext(ctx, "git", "-C", iso.RepoPath, "worktree", "prune")
	if out, err := prune.CombinedOutput(); err != nil {
		return fmt.Errorf("gitisolation: worktree prune: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HeadCommit opens worktreePath as a git repository (go-git follows the
// linked worktree's gitdir file automatically) and returns HEAD's commit
// hash. Nodes call this to re-anchor baseCommit before the reviewer runs
// and before every developer entry (spec §4.H).
func (iso *Isolation) HeadCommit(_ context.Context, worktreePath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("gitisolation: open %s: %w", worktreePath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitisolation: read HEAD at %s: %w", worktreePath, err)
	}
	return head.Hash().String(), nil
}

// Snapshot captures HEAD and the set of dirty (modified/untracked) files at
// worktreePath as a state.GitSnapshot. No graph node calls it.
func (iso *Isolation) Snapshot(ctx context.Context, worktreePath string) (state.GitSnapshot, error) {
	head, err := iso.HeadCommit(ctx, worktreePath)
	if err != nil {
		return state.GitSnapshot{}, err
	}
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return state.GitSnapshot{}, fmt.Errorf("gitisolation: open %s: %w", worktreePath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return state.GitSnapshot{}, fmt.Errorf("gitisolation: worktree handle for %s: %w", worktreePath, err)
	}
	status, err := wt.Status()
	if err != nil {
		return state.GitSnapshot{}, fmt.Errorf("gitisolation: status for %s: %w", worktreePath, err)
	}
	var dirty []string
	for file, s := range status {
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			dirty = append(dirty, file)
		}
	}
	return state.GitSnapshot{HeadCommit: head, DirtyFiles: dirty}, nil
}

// Diff computes a unified diff of worktreePath's HEAD against baseCommit,
// the "git diff baseCommit..HEAD" the spec's Reviewer agent consumes. An
// empty string is returned (never an error) when baseCommit equals HEAD, so
// callers can treat that as Reviewer's "empty diff auto-approves" case.
func (iso *Isolation) Diff(_ context.Context, worktreePath, baseCommit string) (string, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("gitisolation: open %s: %w", worktreePath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitisolation: read HEAD at %s: %w", worktreePath, err)
	}
	if baseCommit == "" || head.Hash().String() == baseCommit {
		return "", nil
	}

	baseCommitObj, err := repo.CommitObject(plumbing.NewHash(baseCommit))
	if err != nil {
		return "", fmt.Errorf("gitisolation: resolve base commit %s: %w", baseCommit, err)
	}
	headCommitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("gitisolation: resolve HEAD commit: %w", err)
	}
	baseTree, err := baseCommitObj.Tree()
	if err != nil {
		return "", fmt.Errorf("gitisolation: base tree: %w", err)
	}
	headTree, err := headCommitObj.Tree()
	if err != nil {
		return "", fmt.Errorf("gitisolation: head tree: %w", err)
	}
	changes, err := baseTree.Diff(headTree)
	if err != nil {
		return "", fmt.Errorf("gitisolation: diff trees: %w", err)
	}
	patch, err := changes.Patch()
	if err != nil {
		return "", fmt.Errorf("gitisolation: render patch: %w", err)
	}
	return patch.String(), nil
}
