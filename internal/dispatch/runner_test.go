package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/stage"
)

func TestExecuteSuccessRemovesStagedFile(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-ok", `{"args":["echo crawl-done"]}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c"},
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.True(t, result.Success)
	require.Zero(t, result.ExitCode)
	require.Contains(t, string(result.Stdout), "crawl-done")
	require.Positive(t, result.Duration)
	require.Equal(t, 1, job.Attempts)
	require.NoFileExists(t, job.Path)
}

func TestExecuteFailureKeepsRecordWithExitCode(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-blocked", `{"args":["exit 41"]}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c"},
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.False(t, result.Success)
	require.Equal(t, 41, result.ExitCode)
	require.FileExists(t, job.Path)

	loaded, err := store.Load(job.Path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Attempts)
	require.NotNil(t, loaded.LastAttemptAt)
	require.Equal(t, "subprocess_failed:41", loaded.LastError)
	require.NotNil(t, loaded.LastErrorAt)
}

func TestExecuteMissingExecutableIsUnexpectedError(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-gone", "{}")

	runner := NewRunner(Config{
		Executable: filepath.Join(t.TempDir(), "no-such-crawler"),
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.False(t, result.Success)
	require.Equal(t, -1, result.ExitCode)

	// The attempt was persisted even though the subprocess never ran.
	loaded, err := store.Load(job.Path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Attempts)
	require.Equal(t, UnexpectedError, loaded.LastError)
}

func TestExecutePassesPayloadArguments(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-args", `{"args":["a","b"]}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c", "exit $#", "sh"},
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.False(t, result.Success)
	require.Equal(t, 2, result.ExitCode)
}

func TestExecuteMalformedPayloadRunsWithoutArguments(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-bad-payload", `{"args":"not-a-list"}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c", "exit $#", "sh"},
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.True(t, result.Success)
	require.Zero(t, result.ExitCode)
}

func TestExecuteArgumentOrder(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-order", `{"args":["middle"]}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c", `echo "$@"`, "sh"},
		ExtraArgs:  []string{"last"},
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.True(t, result.Success)
	require.Equal(t, "middle last\n", string(result.Stdout))
}

func TestExecuteRunsInWorkingDirectory(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "marker"), nil, 0o600))

	store, clk := newTestStore(t)
	job := stagedJob(t, store, "m-dir", `{"args":["test -f marker"]}`)

	runner := NewRunner(Config{
		Executable: "/bin/sh",
		BaseArgs:   []string{"-c"},
		WorkingDir: workDir,
	}, store, clk, zap.NewNop())

	result := runner.Execute(context.Background(), job)
	require.True(t, result.Success)
}

func TestDisplayCommandQuotesSpaces(t *testing.T) {
	t.Parallel()

	got := displayCommand("/usr/bin/crawler", []string{"light", "--label", "two words"})
	require.Equal(t, `/usr/bin/crawler light --label "two words"`, got)
}

// --- fakes ---

func newTestStore(t *testing.T) (*stage.Store, *steppedClock) {
	t.Helper()
	clk := &steppedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := stage.NewStore(t.TempDir(), "products", clk, zap.NewNop())
	require.NoError(t, err)
	return store, clk
}

func stagedJob(t *testing.T, store *stage.Store, id, payload string) *stage.Job {
	t.Helper()
	job := &stage.Job{MessageID: id, Data: []byte(payload)}
	require.NoError(t, store.Stage(job))
	return job
}

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
