// Package table implements the CSV upsert store: one row per respondent,
// replaced atomically on every write.
package table

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"surveycore/internal/record"
)

var (
	// ErrIdentityMissing is returned when a row carries no usable identity key.
	ErrIdentityMissing = errors.New("identity missing")
	// ErrNotFound is returned by Get when no stored row has the key.
	ErrNotFound = errors.New("row not found")
	// ErrCorrupt marks a store file whose header cannot be read.
	ErrCorrupt = errors.New("table unreadable")
	// ErrMalformedRow marks a data row that cannot be parsed. The store is
	// left untouched.
	ErrMalformedRow = errors.New("table row malformed")
)

// DefaultIdentityKeys is the fallback chain used when the schema has none.
var DefaultIdentityKeys = [][]string{{"user_id"}, {"office_id", "personal_id"}}

var bom = []byte{0xEF, 0xBB, 0xBF}

// Schema is what the store needs to know about columns.
type Schema interface {
	MasterHeader() []string
	Purged(col string) bool
	IsOneHot(col string) bool
	IdentityKeys() [][]string
}

// CommitError reports a failed atomic replace. The previous file is intact.
type CommitError struct {
	Path string
	Op   string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Result describes one upsert.
type Result struct {
	Key      string
	Inserted bool
	Header   []string
	Rebuilt  bool
}

// Table is a handle on one CSV file. Handles for the same path share a lock.
type Table struct {
	name   string
	path   string
	schema Schema
	keys   [][]string
	logger *zap.Logger
	now    func() time.Time
	mu     *sync.Mutex
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithIdentityKeys overrides the identity fallback chain.
func WithIdentityKeys(keys [][]string) Option {
	return func(t *Table) {
		if len(keys) > 0 {
			t.keys = keys
		}
	}
}

// WithName sets the logical table name used in logs.
func WithName(name string) Option {
	return func(t *Table) { t.name = name }
}

// WithClock sets the clock used to stamp quarantined files.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

var locks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// renameFile is swapped in tests to simulate a failed commit.
var renameFile = os.Rename

// Open returns a handle on the CSV file at path. The file is created on the
// first upsert.
func Open(path string, s Schema, opts ...Option) *Table {
	clean := filepath.Clean(path)
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	t := &Table{
		name:   strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean)),
		path:   clean,
		schema: s,
		keys:   s.IdentityKeys(),
		logger: zap.NewNop(),
		now:    time.Now,
		mu:     lockFor(clean),
	}
	if len(t.keys) == 0 {
		t.keys = DefaultIdentityKeys
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the logical table name.
func (t *Table) Name() string { return t.name }

// Path returns the cleaned file path.
func (t *Table) Path() string { return t.path }

// Upsert inserts row or updates the stored row with the same identity.
// Every column present in row overwrites the stored cell, blanks included.
func (t *Table) Upsert(ctx context.Context, row record.Row) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	cols, key, ok := t.identity(row)
	if !ok {
		return Result{}, ErrIdentityMissing
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	header, rows, err := t.load()
	rebuilt := false
	if errors.Is(err, ErrCorrupt) {
		if qerr := t.quarantine(err); qerr != nil {
			return Result{}, qerr
		}
		header, rows, rebuilt = nil, nil, true
	} else if err != nil {
		return Result{}, err
	}

	header = t.mergeHeader(header, row)
	match := -1
	for i, stored := range rows {
		if sameIdentity(stored, row, cols) {
			match = i
			break
		}
	}
	if match >= 0 {
		stored := rows[match]
		row.Range(func(col string, v record.Value) bool {
			stored[col] = cellOf(v)
			return true
		})
	} else {
		fresh := make(map[string]string, len(header))
		for _, col := range header {
			if v, ok := row.Get(col); ok {
				fresh[col] = cellOf(v)
			} else if t.schema.IsOneHot(col) {
				fresh[col] = "0"
			}
		}
		rows = append(rows, fresh)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := t.commit(header, rows); err != nil {
		return Result{}, err
	}
	t.logger.Debug("table: upsert",
		zap.String("table", t.name),
		zap.String("key", key),
		zap.Bool("inserted", match < 0),
		zap.Int("columns", len(header)))
	return Result{Key: key, Inserted: match < 0, Header: header, Rebuilt: rebuilt}, nil
}

// Get returns the stored row whose identity resolves to key.
func (t *Table) Get(ctx context.Context, key string) (record.Row, error) {
	if err := ctx.Err(); err != nil {
		return record.Row{}, err
	}
	t.mu.Lock()
	header, rows, err := t.load()
	t.mu.Unlock()
	if err != nil {
		return record.Row{}, err
	}
	for _, cells := range rows {
		r := record.FromStrings(header, cells)
		if _, k, ok := t.identity(r); ok && k == key {
			return r, nil
		}
	}
	return record.Row{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Rows returns every stored row in file order.
func (t *Table) Rows(ctx context.Context) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	header, rows, err := t.load()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]record.Row, len(rows))
	for i, cells := range rows {
		out[i] = record.FromStrings(header, cells)
	}
	return out, nil
}

// Header returns the stored header, or nil when the file does not exist.
func (t *Table) Header(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	header, _, err := t.load()
	t.mu.Unlock()
	return header, err
}

// WriteTo copies the stored file verbatim. A missing file writes nothing.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// identity resolves the first usable key of the chain.
func (t *Table) identity(row record.Row) ([]string, string, bool) {
	for _, cols := range t.keys {
		parts := make([]string, 0, len(cols))
		for _, col := range cols {
			v, ok := row.Get(col)
			s := strings.TrimSpace(v.String())
			if !ok || v.Kind() == record.KindZero || s == "" {
				break
			}
			parts = append(parts, s)
		}
		if len(parts) == len(cols) && len(cols) > 0 {
			return cols, strings.Join(parts, "_"), true
		}
	}
	return nil, "", false
}

func sameIdentity(stored map[string]string, row record.Row, cols []string) bool {
	for _, col := range cols {
		if strings.TrimSpace(stored[col]) != strings.TrimSpace(row.Value(col).String()) {
			return false
		}
	}
	return true
}

// mergeHeader returns existing ∪ master ∪ row keys minus the purge set,
// keeping the first position of every column.
func (t *Table) mergeHeader(existing []string, row record.Row) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+row.Len())
	add := func(col string) {
		if col == "" || seen[col] || t.schema.Purged(col) {
			return
		}
		seen[col] = true
		out = append(out, col)
	}
	for _, col := range existing {
		add(col)
	}
	for _, col := range t.schema.MasterHeader() {
		add(col)
	}
	for _, col := range row.Keys() {
		add(col)
	}
	return out
}

func cellOf(v record.Value) string {
	if v.Kind() == record.KindZero {
		return "0"
	}
	return v.String()
}

// load reads the file. A missing file is an empty table.
func (t *Table) load() ([]string, []map[string]string, error) {
	raw, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", t.path, err)
	}
	raw = bytes.TrimPrefix(raw, bom)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, nil
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, t.path, err)
	}
	seen := make(map[string]bool, len(header))
	for _, col := range header {
		if strings.TrimSpace(col) == "" || seen[col] {
			return nil, nil, fmt.Errorf("%w: %s: bad header column %q", ErrCorrupt, t.path, col)
		}
		seen[col] = true
	}
	// Past the header a parse failure fails the caller; the stored rows
	// are never dropped.
	var rows []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedRow, t.path, err)
		}
		cells := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				cells[col] = rec[i]
			}
		}
		rows = append(rows, cells)
	}
	return header, rows, nil
}

// quarantine moves an unreadable file aside so it can be inspected.
func (t *Table) quarantine(cause error) error {
	dst := fmt.Sprintf("%s.corrupt-%d", t.path, t.now().Unix())
	if err := renameFile(t.path, dst); err != nil {
		return &CommitError{Path: t.path, Op: "quarantine", Err: err}
	}
	t.logger.Warn("table: unreadable store rebuilt from master header",
		zap.String("table", t.name),
		zap.String("quarantine", dst),
		zap.Error(cause))
	return nil
}

// commit writes header and rows to a temp file in the same directory,
// fsyncs it and renames it over the store.
func (t *Table) commit(header []string, rows []map[string]string) error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CommitError{Path: t.path, Op: "mkdir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.path)+".tmp-*")
	if err != nil {
		return &CommitError{Path: t.path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := t.encode(bw, header, rows); err != nil {
		_ = tmp.Close()
		return &CommitError{Path: t.path, Op: "write", Err: err}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return &CommitError{Path: t.path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &CommitError{Path: t.path, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CommitError{Path: t.path, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &CommitError{Path: t.path, Op: "chmod", Err: err}
	}
	if err := renameFile(tmpName, t.path); err != nil {
		return &CommitError{Path: t.path, Op: "rename", Err: err}
	}
	committed = true
	return nil
}

func (t *Table) encode(w io.Writer, header []string, rows []map[string]string) error {
	if _, err := w.Write(bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	oneHot := make([]bool, len(header))
	for i, col := range header {
		oneHot[i] = t.schema.IsOneHot(col)
	}
	line := make([]string, len(header))
	for _, cells := range rows {
		for i, col := range header {
			v := cells[col]
			if v == "" && oneHot[i] {
				v = "0"
			}
			line[i] = v
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
