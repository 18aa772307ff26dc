package gitisolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestCreateAndTeardownWorktree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	root := t.TempDir()
	iso := New(repo, root)

	wt, err := iso.Create(context.Background(), "wf-1", "main")
	require.NoError(t, err)
	require.DirExists(t, wt.Path)
	require.NotEmpty(t, wt.BaseCommit)

	require.NoError(t, iso.Teardown(context.Background(), wt.Path, wt.Name, false))
	require.NoDirExists(t, wt.Path)
}

func TestTeardownRetainsWhenRequested(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	root := t.TempDir()
	iso := New(repo, root)

	wt, err := iso.Create(context.Background(), "wf-2", "main")
	require.NoError(t, err)

	require.NoError(t, iso.Teardown(context.Background(), wt.Path, wt.Name, true))
	require.DirExists(t, wt.Path)
}

func TestDiffEmptyWhenBaseEqualsHead(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	root := t.TempDir()
	iso := New(repo, root)

	wt, err := iso.Create(context.Background(), "wf-3", "main")
	require.NoError(t, err)

	diff, err := iso.Diff(context.Background(), wt.Path, wt.BaseCommit)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestDiffReflectsNewCommit(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	root := t.TempDir()
	iso := New(repo, root)

	wt, err := iso.Create(context.Background(), "wf-4", "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("content\n"), 0o644))
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", wt.Path}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("add", ".")
	run("commit", "-q", "-m", "add file")

	diff, err := iso.Diff(context.Background(), wt.Path, wt.BaseCommit)
	require.NoError(t, err)
	require.Contains(t, diff, "new.txt")
}

func TestSnapshotReportsDirtyFiles(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	root := t.TempDir()
	iso := New(repo, root)

	wt, err := iso.Create(context.Background(), "wf-5", "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "untracked.txt"), []byte("x"), 0o644))

	snap, err := iso.Snapshot(context.Background(), wt.Path)
	require.NoError(t, err)
	require.Equal(t, wt.BaseCommit, snap.HeadCommit)
	require.Contains(t, snap.DirtyFiles, "untracked.txt")
}
