package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"surveycore/internal/archive/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 {
		t.Fatalf("driver = %s", s.Driver())
	}
	info, err := s.Put(ctx, "tables/records/a.csv", strings.NewReader("user_id\nu1\n"), core.PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 11 || info.ETag != "etag123" {
		t.Fatalf("info = %+v", info)
	}
	if _, err := s.Put(ctx, "tables/records/a.csv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("duplicate put: %v", err)
	}
	got, rc, err := s.Get(ctx, "tables/records/a.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ETag != "etag123" || got.ContentType != "text/csv" {
		t.Fatalf("get info = %+v", got)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "user_id\nu1\n" {
		t.Fatalf("body = %q", body)
	}
	if _, err := s.Put(ctx, "tables/demo/b.csv", strings.NewReader("y"), core.PutOptions{}); err != nil {
		t.Fatalf("put demo: %v", err)
	}
	list, err := s.List(ctx, "tables/records/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "tables/records/a.csv" {
		t.Fatalf("list = %+v", list)
	}
	if ok, err := s.Delete(ctx, "tables/records/a.csv"); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "tables/records/a.csv"); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
	if _, _, err := s.Get(ctx, "tables/records/a.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected bucket error")
	}
}

func TestDecodeChunked(t *testing.T) {
	got, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n\r\n"))
	if !ok || string(got) != "hello" {
		t.Fatalf("decode = %q %v", got, ok)
	}
	if _, ok := decodeChunked([]byte("plain body")); ok {
		t.Fatal("plain body decoded")
	}
}
