package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(context.Background(), discardLogger(), path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(n int, at time.Time) *model.Event {
	lat, lon := 59.33, 18.06
	return &model.Event{
		ObservedAt:    at,
		IngestedAt:    at,
		SourceAddress: fmt.Sprintf("203.0.113.%d", n%250+1),
		Geo: model.GeoFields{
			Country:   "Sweden",
			City:      "Stockholm",
			Latitude:  &lat,
			Longitude: &lon,
			Status:    model.GeoResolved,
		},
		Protocol:      "HTTPS",
		TargetService: "gitea",
		Action:        "repo_browse",
		TargetPath:    "/org/repo",
		SessionID:     "sess-1",
		UserAgent:     "curl/8.5.0",
		Headers:       map[string]string{"accept": "*/*"},
		Payload:       json.RawMessage(`{"q":1}`),
		Score: model.Score{
			Value:          0.25,
			Band:           model.BandLow,
			PredictedClass: model.ClassBenign,
			TrafficClass:   "Non-Tor",
		},
		AnomalyScore: 0.31,
		ContentHash:  fmt.Sprintf("%064d", n),
	}
}

func TestPut_InsertThenDuplicateKeepsFirstRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 11, 15, 0, 0, time.UTC)

	inserted, err := s.Put(ctx, testEvent(1, at))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if !inserted {
		t.Fatal("first Put reported inserted=false")
	}

	dup := testEvent(1, at)
	dup.Action = "changed_between_retries"
	inserted, err = s.Put(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate Put: %v", err)
	}
	if inserted {
		t.Fatal("duplicate Put reported inserted=true")
	}

	events, err := s.LiveEvents(ctx, 10, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rows, want 1", len(events))
	}
	if events[0].Action != "repo_browse" {
		t.Errorf("stored action = %q, want the first write to win", events[0].Action)
	}
}

func TestPut_RoundTripPreservesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 24, 11, 15, 42, 123_000_000, time.UTC)

	in := testEvent(2, at)
	in.ScoringDegraded = true
	if _, err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	events, err := s.LiveEvents(ctx, 1, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rows, want 1", len(events))
	}

	got := events[0]
	if got.ID == 0 {
		t.Error("row id not assigned")
	}
	if !got.IngestedAt.Equal(at) {
		t.Errorf("ingested_at = %v, want %v", got.IngestedAt, at)
	}
	if !got.ObservedAt.Equal(at) {
		t.Errorf("observed_at = %v, want %v", got.ObservedAt, at)
	}
	if got.Geo.Latitude == nil || *got.Geo.Latitude != 59.33 {
		t.Errorf("latitude = %v, want 59.33", got.Geo.Latitude)
	}
	if got.Geo.Longitude == nil || *got.Geo.Longitude != 18.06 {
		t.Errorf("longitude = %v, want 18.06", got.Geo.Longitude)
	}
	if got.Geo.Status != model.GeoResolved {
		t.Errorf("geo status = %q, want resolved", got.Geo.Status)
	}
	if got.Headers["accept"] != "*/*" {
		t.Errorf("headers = %v, want accept header preserved", got.Headers)
	}
	if string(got.Payload) != `{"q":1}` {
		t.Errorf("payload = %s, want original bytes", got.Payload)
	}
	if !got.ScoringDegraded {
		t.Error("scoring_degraded flag lost")
	}
	if got.AnomalyScore != 0.31 {
		t.Errorf("anomaly_score = %v, want 0.31", got.AnomalyScore)
	}
	if got.Score.TrafficClass != "Non-Tor" {
		t.Errorf("traffic_class = %q, want Non-Tor", got.Score.TrafficClass)
	}
	if got.ContentHash != in.ContentHash {
		t.Errorf("content_hash = %q, want %q", got.ContentHash, in.ContentHash)
	}
}

func TestPut_EventWithoutCoordinatesStoresNulls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEvent(3, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	e.Geo = model.GeoFields{IsPrivate: true, Status: model.GeoPrivate}
	if _, err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	events, err := s.LiveEvents(ctx, 1, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents: %v", err)
	}
	got := events[0]
	if got.Geo.Latitude != nil || got.Geo.Longitude != nil {
		t.Errorf("coordinates = (%v, %v), want nil", got.Geo.Latitude, got.Geo.Longitude)
	}
	if !got.Geo.IsPrivate {
		t.Error("is_private flag lost")
	}
	if got.Geo.Status != model.GeoPrivate {
		t.Errorf("geo status = %q, want private", got.Geo.Status)
	}
}

func TestOpen_ReopenKeepsRowsAndRerunsMigrationsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s1, err := Open(ctx, discardLogger(), path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.Put(ctx, testEvent(4, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, discardLogger(), path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	events, err := s2.LiveEvents(ctx, 10, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rows after reopen, want 1", len(events))
	}
}

func TestPut_AfterCloseFailsFast(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := s.Put(context.Background(), testEvent(5, time.Now().UTC()))
	if !errkind.Is(err, errkind.StoreFatal) {
		t.Fatalf("kind = %q, want %q", errkind.Of(err), errkind.StoreFatal)
	}
}

func TestPut_QueueFullReturnsBackpressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(ctx, discardLogger(), path, WithQueueCapacity(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// hold the write lock so the writer stalls inside its insert
	blocker, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open blocker: %v", err)
	}
	defer blocker.Close()
	conn, err := blocker.Conn(ctx)
	if err != nil {
		t.Fatalf("blocker conn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("begin immediate: %v", err)
	}

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	results := make(chan error, 2)

	go func() {
		_, err := s.Put(ctx, testEvent(10, at))
		results <- err
	}()
	time.Sleep(250 * time.Millisecond) // writer is now blocked on the lock

	go func() {
		_, err := s.Put(ctx, testEvent(11, at))
		results <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.QueueDepth() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("second write never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = s.Put(ctx, testEvent(12, at))
	if !errkind.Is(err, errkind.BackpressureExhausted) {
		t.Fatalf("kind = %q, want %q", errkind.Of(err), errkind.BackpressureExhausted)
	}

	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	for range 2 {
		if err := <-results; err != nil {
			t.Fatalf("queued Put: %v", err)
		}
	}
}

func TestInsert_RetriesOnceOnBusyThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &Store{logger: discardLogger(), db: sqlx.NewDb(db, "sqlmock"), now: time.Now}

	mock.ExpectExec("INSERT INTO events").WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))

	res := s.insert(testEvent(1, time.Now().UTC()))
	if res.err != nil {
		t.Fatalf("insert after retry: %v", res.err)
	}
	if !res.inserted {
		t.Fatal("inserted = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInsert_PersistentBusyIsStoreTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &Store{logger: discardLogger(), db: sqlx.NewDb(db, "sqlmock"), now: time.Now}

	mock.ExpectExec("INSERT INTO events").WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	mock.ExpectExec("INSERT INTO events").WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})

	res := s.insert(testEvent(1, time.Now().UTC()))
	if !errkind.Is(res.err, errkind.StoreTransient) {
		t.Fatalf("kind = %q, want %q", errkind.Of(res.err), errkind.StoreTransient)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInsert_FatalErrorIsNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &Store{logger: discardLogger(), db: sqlx.NewDb(db, "sqlmock"), now: time.Now}

	mock.ExpectExec("INSERT INTO events").WillReturnError(sqlite3.Error{Code: sqlite3.ErrError})

	res := s.insert(testEvent(1, time.Now().UTC()))
	if !errkind.Is(res.err, errkind.StoreFatal) {
		t.Fatalf("kind = %q, want %q", errkind.Of(res.err), errkind.StoreFatal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestIsTransient_ClassifiesEngineErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"wrapped busy", fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"bad conn", driver.ErrBadConn, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
