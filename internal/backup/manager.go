// Package backup keeps timestamped copies of the ledger database: it takes
// snapshots, compresses old ones, prunes beyond a retention limit and can
// copy each snapshot offsite.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/susu3304/ledgerbot/internal/logging"
	"github.com/susu3304/ledgerbot/internal/metrics"
)

var ErrDisabled = errors.New("backups are disabled")

const (
	stampLayout  = "20060102T150405.000000Z"
	rawExt       = ".db"
	zipExt       = ".zip"
	partialExt   = ".partial"
	minimumTick  = time.Second
	defaultEvery = 10 * time.Minute
)

// Source produces a consistent copy of the live database.
type Source interface {
	Snapshot(ctx context.Context, dest string) error
	Path() string
}

// Uploader copies a finished snapshot offsite.
type Uploader interface {
	Upload(ctx context.Context, name, path string) error
}

type Config struct {
	Enabled        bool
	Dir            string
	Interval       time.Duration
	CompressAfter  time.Duration // 0 keeps raw snapshots forever
	RetentionLimit int           // 0 keeps everything
}

// Info describes one snapshot on disk.
type Info struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Compressed bool      `json:"compressed"`
	Size       int64     `json:"size"`
	path       string
}

type Manager struct {
	cfg    Config
	src    Source
	up     Uploader
	logger logging.Logger
	now    func() time.Time
	stem   string

	mu    sync.Mutex // one cycle at a time
	dirty atomic.Bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithUploader(u Uploader) Option {
	return func(m *Manager) { m.up = u }
}

func NewManager(cfg Config, src Source, logger logging.Logger, opts ...Option) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultEvery
	}
	m := &Manager{
		cfg:    cfg,
		src:    src,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
	if src != nil {
		base := filepath.Base(src.Path())
		m.stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if m.stem == "" {
		m.stem = "ledger"
	}
	for _, opt := range opts {
		opt(m)
	}
	// The first tick always produces a snapshot.
	m.dirty.Store(true)
	return m
}

func (m *Manager) Enabled() bool {
	return m != nil && m.cfg.Enabled && m.src != nil
}

// MarkDirty records that the ledger changed since the last snapshot.
func (m *Manager) MarkDirty() {
	if m == nil {
		return
	}
	m.dirty.Store(true)
}

// Snapshot writes a new raw snapshot. The file only appears under its final
// name once it is complete.
func (m *Manager) Snapshot(ctx context.Context) (Info, error) {
	if !m.Enabled() {
		return Info{}, ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(ctx)
}

func (m *Manager) snapshot(ctx context.Context) (info Info, err error) {
	defer func() { metrics.BackupsTotal.WithLabelValues("snapshot", metrics.Result(err)).Inc() }()

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create backup dir: %w", err)
	}
	created := m.now().UTC()
	name := m.name(created, rawExt)
	final := filepath.Join(m.cfg.Dir, name)
	if _, err := os.Stat(final); err == nil {
		return Info{}, fmt.Errorf("snapshot %s already exists", name)
	}
	partial := final + partialExt
	_ = os.Remove(partial)

	if err := m.src.Snapshot(ctx, partial); err != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("publish snapshot: %w", err)
	}

	st, err := os.Stat(final)
	if err != nil {
		return Info{}, err
	}
	metrics.BackupLastSuccess.Set(float64(created.Unix()))
	return Info{Name: name, CreatedAt: created.Truncate(time.Microsecond), Size: st.Size(), path: final}, nil
}

// CompressAged zips every raw snapshot whose name timestamp is older than
// olderThan and removes the raw copy. Running it twice is harmless.
func (m *Manager) CompressAged(olderThan time.Duration) (int, error) {
	if !m.Enabled() {
		return 0, ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressAged(olderThan)
}

func (m *Manager) compressAged(olderThan time.Duration) (n int, err error) {
	defer func() { metrics.BackupsTotal.WithLabelValues("compress", metrics.Result(err)).Inc() }()

	list, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().UTC().Add(-olderThan)
	var errs []error
	for _, info := range list {
		if info.Compressed || !info.CreatedAt.Before(cutoff) {
			continue
		}
		zipPath := strings.TrimSuffix(info.path, rawExt) + zipExt
		if _, statErr := os.Stat(zipPath); statErr != nil {
			if err := compressFile(info.path, zipPath, info.Name); err != nil {
				errs = append(errs, fmt.Errorf("compress %s: %w", info.Name, err))
				continue
			}
		}
		if err := os.Remove(info.path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", info.Name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// PruneRetention deletes the oldest snapshots, raw or compressed, until at
// most max remain. Age comes from the name timestamp, not file times.
func (m *Manager) PruneRetention(max int) (int, error) {
	if !m.Enabled() {
		return 0, ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(max)
}

func (m *Manager) prune(max int) (n int, err error) {
	if max <= 0 {
		return 0, nil
	}
	defer func() { metrics.BackupsTotal.WithLabelValues("prune", metrics.Result(err)).Inc() }()

	list, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(list) <= max {
		return 0, nil
	}
	var errs []error
	for _, info := range list[:len(list)-max] {
		if err := os.Remove(info.path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", info.Name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// List returns the snapshots in the backup directory, oldest first. Files
// that do not follow the snapshot naming scheme are ignored.
func (m *Manager) List() ([]Info, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	out := []Info{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, compressed, ok := m.parseName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:       e.Name(),
			CreatedAt:  created,
			Compressed: compressed,
			Size:       fi.Size(),
			path:       filepath.Join(m.cfg.Dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RunCycle runs snapshot, upload, compress and prune. Every failure is
// logged; the joined error is returned for callers that want it.
func (m *Manager) RunCycle(ctx context.Context) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	info, err := m.snapshot(ctx)
	if err != nil {
		m.logger.Error(ctx, "backup snapshot failed", "err", err)
		m.dirty.Store(true)
		errs = append(errs, err)
	} else {
		m.logger.Info(ctx, "backup snapshot written", "name", info.Name, "size", info.Size)
		if m.up != nil {
			err := m.up.Upload(ctx, info.Name, info.path)
			metrics.BackupsTotal.WithLabelValues("upload", metrics.Result(err)).Inc()
			if err != nil {
				m.logger.Warn(ctx, "backup upload failed", "name", info.Name, "err", err)
				errs = append(errs, err)
			}
		}
	}

	if m.cfg.CompressAfter > 0 {
		n, err := m.compressAged(m.cfg.CompressAfter)
		if err != nil {
			m.logger.Error(ctx, "backup compression failed", "err", err)
			errs = append(errs, err)
		} else if n > 0 {
			m.logger.Info(ctx, "backups compressed", "count", n)
		}
	}

	n, err := m.prune(m.cfg.RetentionLimit)
	if err != nil {
		m.logger.Error(ctx, "backup pruning failed", "err", err)
		errs = append(errs, err)
	} else if n > 0 {
		m.logger.Info(ctx, "old backups removed", "count", n)
	}
	return errors.Join(errs...)
}

// Run cycles on every interval tick that follows a ledger change. It returns
// when ctx is done, or immediately when backups are disabled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	interval := m.cfg.Interval
	if interval < minimumTick {
		interval = minimumTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info(ctx, "backup loop started", "dir", m.cfg.Dir, "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if !m.dirty.Swap(false) {
		return
	}
	_ = m.RunCycle(ctx)
}

func (m *Manager) name(t time.Time, ext string) string {
	return m.stem + "-" + t.UTC().Format(stampLayout) + ext
}

func (m *Manager) parseName(name string) (created time.Time, compressed bool, ok bool) {
	ext := filepath.Ext(name)
	switch ext {
	case rawExt:
	case zipExt:
		compressed = true
	default:
		return time.Time{}, false, false
	}
	rest, found := strings.CutPrefix(strings.TrimSuffix(name, ext), m.stem+"-")
	if !found {
		return time.Time{}, false, false
	}
	t, err := time.Parse(stampLayout, rest)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, compressed, true
}

// Extract writes the database contained in snapshot name to dest, unpacking
// it when compressed. dest must not exist.
func (m *Manager) Extract(name, dest string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	_, compressed, ok := m.parseName(name)
	if !ok {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}
	src := filepath.Join(m.cfg.Dir, name)
	if compressed {
		return extractFile(src, dest)
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
