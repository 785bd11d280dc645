package mirror

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"surveycore/internal/config"
	"surveycore/internal/record"
)

func TestOpenNone(t *testing.T) {
	s, err := Open(context.Background(), config.MirrorConfig{Driver: "none"})
	if err != nil || s != nil {
		t.Fatalf("none = %v, %v", s, err)
	}
	if _, err := Open(context.Background(), config.MirrorConfig{Driver: "mysql"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.MirrorConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "mirror.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if s.Driver() != "sqlite" {
		t.Fatalf("driver = %s", s.Driver())
	}
	row := record.FromJSON(map[string]any{"user_id": "u1", "sex_1": "1", "memo": "hi"})
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub, err := NewSubmission("form0", "u1", "records", at, row)
	if err != nil {
		t.Fatalf("new submission: %v", err)
	}
	if sub.ID == uuid.Nil {
		t.Fatal("nil id")
	}
	if err := s.Record(ctx, sub); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.Submissions(ctx, "u1")
	if err != nil || len(got) != 1 {
		t.Fatalf("submissions = %d, %v", len(got), err)
	}
	var payload map[string]string
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := map[string]string{"user_id": "u1", "sex_1": "1", "memo": "hi"}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}
