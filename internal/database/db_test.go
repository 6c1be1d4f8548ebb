package database

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"posestream/internal/models"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, e := range entries {
		b, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(b), "-- +goose Up") || !strings.Contains(string(b), "-- +goose Down") {
			t.Errorf("%s lacks goose annotations", e.Name())
		}
	}
}

// TestStore needs a disposable PostgreSQL database in
// POSESTREAM_TEST_DATABASE_URL.
func TestStore(t *testing.T) {
	url := os.Getenv("POSESTREAM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("POSESTREAM_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	rec := models.SessionRecord{
		ID:         uuid.NewString(),
		RemoteAddr: "127.0.0.1:40000",
		Engine:     "centroid",
		StartTime:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.BeginSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.EndSession(ctx, rec.ID, rec.StartTime.Add(time.Second), 42, models.EndReasonDisconnect); err != nil {
		t.Fatal(err)
	}
	if err := store.EndSession(ctx, uuid.NewString(), time.Now(), 0, models.EndReasonDisconnect); err == nil {
		t.Error("ending an unknown session succeeded")
	}

	recent, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, r := range recent {
		if r.ID != rec.ID {
			continue
		}
		found = true
		if r.FramesTotal != 42 || r.EndReason != models.EndReasonDisconnect || r.EndTime == nil {
			t.Errorf("record = %+v", r)
		}
	}
	if !found {
		t.Error("session not listed")
	}
}
