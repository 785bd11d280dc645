package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"surveycore/internal/record"
)

type fakeSchema struct {
	master []string
	purge  map[string]bool
	oneHot map[string]bool
	keys   [][]string
}

func (s fakeSchema) MasterHeader() []string   { return s.master }
func (s fakeSchema) Purged(col string) bool   { return s.purge[col] }
func (s fakeSchema) IsOneHot(col string) bool { return s.oneHot[col] }
func (s fakeSchema) IdentityKeys() [][]string { return s.keys }

func newSchema() fakeSchema {
	return fakeSchema{
		master: []string{"timestamp", "office_id", "personal_id", "user_id", "sex_male", "sex_female", "memo"},
		purge:  map[string]bool{"session": true},
		oneHot: map[string]bool{"sex_male": true, "sex_female": true, "flag_x": true},
	}
}

func row(kv ...string) record.Row {
	b := record.NewBuilder(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		b.Set(kv[i], record.Scalar(kv[i+1]))
	}
	return b.Row()
}

func newTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "records.csv"), newSchema(), opts...)
}

func TestUpsertIdentityMissing(t *testing.T) {
	tbl := newTable(t)
	_, err := tbl.Upsert(context.Background(), row("memo", "x", "office_id", "A01"))
	if !errors.Is(err, ErrIdentityMissing) {
		t.Fatalf("err = %v, want ErrIdentityMissing", err)
	}
	if _, err := os.Stat(tbl.Path()); !os.IsNotExist(err) {
		t.Fatalf("store written without identity: %v", err)
	}
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)

	res, err := tbl.Upsert(ctx, row("user_id", "u1", "sex_female", "1", "memo", "hello", "extra", "e1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !res.Inserted || res.Key != "u1" || res.Rebuilt {
		t.Fatalf("insert result = %+v", res)
	}
	first := res.Header
	if first[0] != "timestamp" || first[len(first)-1] != "extra" {
		t.Fatalf("header = %v", first)
	}

	res, err = tbl.Upsert(ctx, row("user_id", "u1", "memo", "", "flag_x", "1", "session", "s"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Inserted {
		t.Fatal("second write inserted a row")
	}
	for i, col := range first {
		if res.Header[i] != col {
			t.Fatalf("header not monotonic at %d: %v", i, res.Header)
		}
	}
	for _, col := range res.Header {
		if col == "session" {
			t.Fatal("purged column in header")
		}
	}

	rows, err := tbl.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0].Strings()
	want := map[string]string{
		"timestamp": "", "office_id": "", "personal_id": "", "user_id": "u1",
		"sex_male": "0", "sex_female": "1", "memo": "", "extra": "e1", "flag_x": "1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stored row (-want +got):\n%s", diff)
	}
}

func TestUpsertNewRowDefaults(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)
	if _, err := tbl.Upsert(ctx, row("user_id", "u1", "flag_x", "1")); err != nil {
		t.Fatalf("upsert u1: %v", err)
	}
	if _, err := tbl.Upsert(ctx, row("office_id", "A01", "personal_id", "7", "memo", "m")); err != nil {
		t.Fatalf("upsert A01: %v", err)
	}
	r, err := tbl.Get(ctx, "A01_7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for col, want := range map[string]string{"sex_male": "0", "flag_x": "0", "user_id": "", "memo": "m"} {
		if got := r.Value(col).String(); got != want {
			t.Fatalf("%s = %q, want %q", col, got, want)
		}
	}
	if _, err := tbl.Get(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestUpsertFoldsLeftToRight(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)
	writes := []record.Row{
		row("user_id", "u1", "memo", "a", "sex_male", "1"),
		row("user_id", "u2", "memo", "b"),
		row("user_id", "u1", "memo", "c"),
		row("user_id", "u1", "sex_male", "0", "sex_female", "1"),
	}
	for i, w := range writes {
		if _, err := tbl.Upsert(ctx, w); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	rows, err := tbl.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	u1 := rows[0].Strings()
	if u1["memo"] != "c" || u1["sex_male"] != "0" || u1["sex_female"] != "1" {
		t.Fatalf("u1 = %v", u1)
	}
}

func TestStoreFileFormat(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)
	if _, err := tbl.Upsert(ctx, row("user_id", "u1", "memo", "a,b")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	raw, err := os.ReadFile(tbl.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(raw, bom) {
		t.Fatal("missing BOM")
	}
	lines := strings.Split(strings.TrimSpace(string(raw[len(bom):])), "\n")
	if lines[0] != "timestamp,office_id,personal_id,user_id,sex_male,sex_female,memo" {
		t.Fatalf("header line = %q", lines[0])
	}
	if lines[1] != `,,,u1,0,0,"a,b"` {
		t.Fatalf("row line = %q", lines[1])
	}

	header, err := tbl.Header(ctx)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if header[0] != "timestamp" {
		t.Fatalf("BOM not stripped: %q", header[0])
	}

	var buf bytes.Buffer
	if _, err := tbl.WriteTo(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		t.Fatal("export is not verbatim")
	}
}

func TestUpsertRebuildsCorruptStore(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	tbl := newTable(t, WithClock(func() time.Time { return now }))
	corrupt := []byte("user_id,,user_id\n\"broken\n")
	if err := os.WriteFile(tbl.Path(), corrupt, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := tbl.Rows(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("rows on corrupt store: %v", err)
	}
	res, err := tbl.Upsert(ctx, row("user_id", "u1"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Rebuilt || !res.Inserted {
		t.Fatalf("result = %+v, want rebuilt insert", res)
	}
	kept, err := os.ReadFile(fmt.Sprintf("%s.corrupt-%d", tbl.Path(), now.Unix()))
	if err != nil {
		t.Fatalf("quarantine file: %v", err)
	}
	if !bytes.Equal(kept, corrupt) {
		t.Fatal("quarantined bytes differ")
	}
	if diff := cmp.Diff(newSchema().master, res.Header); diff != "" {
		t.Fatalf("rebuilt header (-want +got):\n%s", diff)
	}
}

func TestUpsertKeepsRowsWithStrayQuotes(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		if _, err := tbl.Upsert(ctx, row("user_id", id)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	f, err := os.OpenFile(tbl.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(",,,u9,0,0,say \"hi\" there\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := tbl.Upsert(ctx, row("user_id", "u4"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Rebuilt {
		t.Fatal("stray quote in a data cell triggered a rebuild")
	}
	rows, err := tbl.Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(rows))
	}
	got, err := tbl.Get(ctx, "u9")
	if err != nil {
		t.Fatalf("get u9: %v", err)
	}
	if memo := got.Value("memo").String(); memo != `say "hi" there` {
		t.Fatalf("memo = %q", memo)
	}
	matches, _ := filepath.Glob(tbl.Path() + ".corrupt-*")
	if len(matches) != 0 {
		t.Fatalf("store quarantined: %v", matches)
	}
}

func TestCommitFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t)
	if _, err := tbl.Upsert(ctx, row("user_id", "u1", "memo", "before")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, err := os.ReadFile(tbl.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	orig := renameFile
	renameFile = func(string, string) error { return errors.New("disk full") }
	defer func() { renameFile = orig }()

	_, err = tbl.Upsert(ctx, row("user_id", "u1", "memo", "after"))
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Op != "rename" {
		t.Fatalf("err = %v, want rename CommitError", err)
	}
	after, err := os.ReadFile(tbl.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("failed commit changed the store")
	}
	entries, err := os.ReadDir(filepath.Dir(tbl.Path()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestConcurrentUpsertsSharePathLock(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.csv")
	const n = 24

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			// A fresh handle per writer: the lock is keyed by path.
			tbl := Open(path, newSchema())
			_, err := tbl.Upsert(gctx, row("user_id", fmt.Sprintf("u%02d", i), "memo", "m"))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent upsert: %v", err)
	}
	rows, err := Open(path, newSchema()).Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("rows = %d, want %d", len(rows), n)
	}
}

func TestUpsertHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tbl := newTable(t)
	if _, err := tbl.Upsert(ctx, row("user_id", "u1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIdentityKeysOverride(t *testing.T) {
	tbl := newTable(t, WithIdentityKeys([][]string{{"office_id", "personal_id"}}))
	res, err := tbl.Upsert(context.Background(), row("user_id", "u1", "office_id", "A", "personal_id", "1"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Key != "A_1" {
		t.Fatalf("key = %q", res.Key)
	}
}
