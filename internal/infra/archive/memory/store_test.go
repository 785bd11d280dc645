package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"surveycore/internal/archive/core"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	md := map[string]string{"table": "records"}
	if _, err := s.Put(ctx, "tables/records/1.csv", strings.NewReader("a"), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["table"] = "mutated"
	if _, err := s.Put(ctx, "tables/records/1.csv", strings.NewReader("b"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("duplicate put: %v", err)
	}
	info, rc, err := s.Get(ctx, "tables/records/1.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "a" || info.Metadata["table"] != "records" {
		t.Fatalf("get = %+v %q", info, body)
	}
	if _, err := s.Put(ctx, "tables/demo/1.csv", strings.NewReader("c"), core.PutOptions{}); err != nil {
		t.Fatalf("put demo: %v", err)
	}
	all, _ := s.List(ctx, "")
	recs, _ := s.List(ctx, "tables/records/")
	if len(all) != 2 || len(recs) != 1 {
		t.Fatalf("list all=%d records=%d", len(all), len(recs))
	}
	if ok, _ := s.Delete(ctx, "tables/demo/1.csv"); !ok {
		t.Fatal("delete reported missing")
	}
	if _, _, err := s.Get(ctx, "tables/demo/1.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
}
