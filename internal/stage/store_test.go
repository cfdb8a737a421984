package stage

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/metrics"
)

func TestStageWritesDurableRecord(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewStore(t.TempDir(), "products", clk, zap.NewNop())
	require.NoError(t, err)

	job := &Job{
		MessageID:  "proj/sub/42",
		Attributes: map[string]string{"retry_count": "1"},
		Data:       []byte(`{"args":["light"]}`),
	}
	require.NoError(t, store.Stage(job))
	require.NotEmpty(t, job.Path)
	require.False(t, job.ReceivedAt.IsZero())

	base := filepath.Base(job.Path)
	require.Regexp(t, regexp.MustCompile(`^\d+_proj_sub_42_[0-9a-f]{8}\.json$`), base)

	raw, err := os.ReadFile(job.Path)
	require.NoError(t, err)

	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, "proj/sub/42", onDisk["message_id"])
	require.Equal(t, base64.StdEncoding.EncodeToString(job.Data), onDisk["data_b64"])
	require.Equal(t, float64(0), onDisk["attempts"])

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file may remain after staging")
}

func TestUpdateRoundTripsRecord(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewStore(t.TempDir(), "products", clk, zap.NewNop())
	require.NoError(t, err)

	job := &Job{MessageID: "m-1", Data: []byte("{}")}
	require.NoError(t, store.Stage(job))

	attemptAt := clk.Now()
	job.Attempts = 2
	job.LastAttemptAt = &attemptAt
	job.LastError = "subprocess_failed:41"
	require.NoError(t, store.Update(job))

	loaded, err := store.Load(job.Path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Attempts)
	require.Equal(t, "subprocess_failed:41", loaded.LastError)
	require.NotNil(t, loaded.LastAttemptAt)
	require.True(t, loaded.LastAttemptAt.Equal(attemptAt))
	require.Equal(t, job.Path, loaded.Path)
}

func TestUpdateWithoutPathFails(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	err = store.Update(&Job{MessageID: "m-1"})
	require.Error(t, err)
}

func TestRemoveToleratesMissingFile(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	job := &Job{MessageID: "m-1"}
	require.NoError(t, store.Stage(job))
	require.NoError(t, store.Remove(job))
	require.NoError(t, store.Remove(job))
	require.NoFileExists(t, job.Path)
}

func TestSweepReturnsJobsInStagingOrder(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewStore(t.TempDir(), "products", clk, zap.NewNop())
	require.NoError(t, err)

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, store.Stage(&Job{MessageID: id, Data: []byte("{}")}))
	}

	jobs, err := store.Sweep()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "first", jobs[0].MessageID)
	require.Equal(t, "second", jobs[1].MessageID)
	require.Equal(t, "third", jobs[2].MessageID)
	for _, job := range jobs {
		require.NotEmpty(t, job.Path)
	}
}

func TestSweepQuarantinesUnreadableFiles(t *testing.T) {
	t.Parallel()
	metrics.Init()

	clk := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	store, err := NewStore(dir, "products", clk, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Stage(&Job{MessageID: "good", Data: []byte("{}")}))
	garbage := filepath.Join(dir, "0000000000000_corrupt_deadbeef.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o600))

	jobs, err := store.Sweep()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "good", jobs[0].MessageID)
	require.NoFileExists(t, garbage)
	require.FileExists(t, garbage+".bad")

	// Quarantined files stay out of later sweeps.
	again, err := store.Sweep()
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestSweepIgnoresTempAndQuarantinedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_a_aaaaaaaa.json.tmp"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2_b_bbbbbbbb.json.bad"), []byte("{"), 0o600))

	jobs, err := store.Sweep()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestPendingCountsStagedFilesOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	n, err := store.Pending()
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, store.Stage(&Job{MessageID: "m-1"}))
	require.NoError(t, store.Stage(&Job{MessageID: "m-2"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3_c_cccccccc.json.bad"), []byte("{"), 0o600))

	n, err = store.Pending()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLoadRestoresRetryCountAttribute(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	job := &Job{MessageID: "m-1", Attributes: map[string]string{AttrRetryCount: "2"}}
	require.NoError(t, store.Stage(job))

	loaded, err := store.Load(job.Path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.RetryCount())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	_, err = store.Load(filepath.Join(store.Dir(), "nope.json"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMalformed)
}

func TestLoadMalformedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, "products", newFakeClock(time.Now()), zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(dir, "1_x_00000000.json")
	require.NoError(t, os.WriteFile(path, []byte(`["not an object"]`), 0o600))

	_, err = store.Load(path)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "abc-123_OK", "abc-123_OK"},
		{"slashes and colons", "proj/sub:7", "proj_sub_7"},
		{"unicode", "héllo", "h_llo"},
		{"empty", "", "msg"},
		{"all special", "///", "___"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, sanitizeID(tc.in))
		})
	}
}

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

// Now advances by one millisecond per call so consecutive staged files get
// distinct timestamp prefixes.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
