package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/ledgerbot/internal/db"
	"github.com/susu3304/ledgerbot/internal/logging"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeSource) Path() string { return "/var/lib/ledgerbot/accounting.db" }

func (f *fakeSource) Snapshot(_ context.Context, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		// leave a half-written file behind like a crashed copy would
		_ = os.WriteFile(dest, []byte("partial"), 0o644)
		return f.fail
	}
	return os.WriteFile(dest, []byte("sqlite-bytes"), 0o644)
}

type fakeUploader struct {
	names []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, name, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	u.names = append(u.names, name)
	return u.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config, src Source, opts ...Option) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "Database_Backups")
	}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewManager(cfg, src, logging.Discard(), opts...), c
}

func fileNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	m, _ := newTestManager(t, Config{Enabled: false, Dir: dir}, &fakeSource{})

	_, err := m.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, m.RunCycle(context.Background()), ErrDisabled)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a disabled manager")
	}

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "backup dir must not be created")
}

func TestSnapshot_NamesAndAtomicity(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true}, &fakeSource{})

	info, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "accounting-20240301T100000.000000Z.db", info.Name)
	assert.Equal(t, []string{info.Name}, fileNames(t, m.cfg.Dir))

	_, err = m.Snapshot(context.Background())
	assert.Error(t, err, "same timestamp must not overwrite an existing snapshot")
}

func TestSnapshot_FailureLeavesNoFile(t *testing.T) {
	src := &fakeSource{fail: errors.New("disk full")}
	m, _ := newTestManager(t, Config{Enabled: true}, src)

	_, err := m.Snapshot(context.Background())
	require.Error(t, err)
	assert.Empty(t, fileNames(t, m.cfg.Dir))
}

func TestPruneRetention_OrdersByNameTimestamp(t *testing.T) {
	m, c := newTestManager(t, Config{Enabled: true}, &fakeSource{})

	var names []string
	for i := 0; i < 4; i++ {
		info, err := m.Snapshot(context.Background())
		require.NoError(t, err)
		names = append(names, info.Name)
		c.Advance(time.Hour)
	}

	// Reverse the modification times so that mtime ordering would pick the
	// newest snapshot.
	base := time.Now()
	for i, n := range names {
		mt := base.Add(-time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(m.cfg.Dir, n), mt, mt))
	}

	removed, err := m.PruneRetention(3)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, names[1:], fileNames(t, m.cfg.Dir))

	removed, err = m.PruneRetention(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCompressAged(t *testing.T) {
	m, c := newTestManager(t, Config{Enabled: true}, &fakeSource{})
	ctx := context.Background()

	old, err := m.Snapshot(ctx)
	require.NoError(t, err)
	c.Advance(8 * 24 * time.Hour)
	fresh, err := m.Snapshot(ctx)
	require.NoError(t, err)

	n, err := m.CompressAged(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	zipName := old.Name[:len(old.Name)-len(rawExt)] + zipExt
	assert.Equal(t, []string{zipName, fresh.Name}, fileNames(t, m.cfg.Dir))

	n, err = m.CompressAged(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Compressed)
	assert.False(t, list[1].Compressed)

	dest := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, m.Extract(zipName, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "sqlite-bytes", string(data))

	assert.Error(t, m.Extract("../etc/passwd", filepath.Join(t.TempDir(), "x")))
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true}, &fakeSource{})
	_, err := m.Snapshot(context.Background())
	require.NoError(t, err)

	for _, n := range []string{"notes.txt", "accounting.db", "accounting-garbage.db", "other-20240101T000000.000000Z.db", "accounting-20240301T100000.000000Z.db.partial"} {
		require.NoError(t, os.WriteFile(filepath.Join(m.cfg.Dir, n), nil, 0o644))
	}
	list, err := m.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunCycle(t *testing.T) {
	up := &fakeUploader{}
	cfg := Config{Enabled: true, CompressAfter: 24 * time.Hour, RetentionLimit: 2}
	m, c := newTestManager(t, cfg, &fakeSource{}, WithUploader(up))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RunCycle(ctx))
		c.Advance(25 * time.Hour)
	}

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Compressed)
	assert.False(t, list[1].Compressed)
	assert.Len(t, up.names, 3)

	up.err = errors.New("bucket gone")
	assert.Error(t, m.RunCycle(ctx))
	list, err = m.List()
	require.NoError(t, err)
	assert.Len(t, list, 2, "pruning still runs after an upload failure")
}

func TestTick_OnlyAfterMutation(t *testing.T) {
	src := &fakeSource{}
	m, c := newTestManager(t, Config{Enabled: true}, src)
	ctx := context.Background()

	m.tick(ctx)
	assert.Equal(t, 1, src.calls, "first tick snapshots")

	c.Advance(time.Minute)
	m.tick(ctx)
	assert.Equal(t, 1, src.calls, "nothing changed")

	m.MarkDirty()
	c.Advance(time.Minute)
	m.tick(ctx)
	assert.Equal(t, 2, src.calls)
}

func TestTick_RetriesAfterFailure(t *testing.T) {
	src := &fakeSource{fail: errors.New("locked")}
	m, c := newTestManager(t, Config{Enabled: true}, src)
	ctx := context.Background()

	m.tick(ctx)
	src.fail = nil
	c.Advance(time.Minute)
	m.tick(ctx)
	assert.Equal(t, 2, src.calls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, Interval: time.Hour}, &fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSnapshotOfLiveLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := db.New(ctx, filepath.Join(dir, "accounting.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RunMigrations(ctx))

	m, _ := newTestManager(t, Config{Enabled: true, Dir: filepath.Join(dir, "Database_Backups")}, store)
	store.OnMutation(m.MarkDirty)

	p, err := store.AddPerson(ctx, "Alice")
	require.NoError(t, err)
	_, _, err = store.RecordTransaction(ctx, p.ID, decimal.NewFromInt(150), "")
	require.NoError(t, err)

	info, err := m.Snapshot(ctx)
	require.NoError(t, err)

	copyDB, err := db.New(ctx, filepath.Join(m.cfg.Dir, info.Name))
	require.NoError(t, err)
	defer copyDB.Close()
	b, err := copyDB.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.NewFromInt(150)))
}
