package verifier

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

func newMockCache(t *testing.T) (*PostgresCache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := storage.New(db, storage.DefaultConfig(), logger)
	return NewPostgresCache(adapter, logger), mock
}

func TestPostgresCacheProofRoundTrip(t *testing.T) {
	cache, mock := newMockCache(t)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO burn_proof_cache")).
		WithArgs(goodProof, "asset-1", true, sqlmock.AnyArg(), now, now.Add(DefaultProofTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := cache.PutProof(context.Background(), &CachedProof{
		ProofHash:     goodProof,
		ParentAssetID: "asset-1",
		Valid:         true,
		VerifiedAt:    now,
		ExpiresAt:     now.Add(DefaultProofTTL),
	})
	if err != nil {
		t.Fatalf("PutProof() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT proof_hash, parent_asset_id, valid, details, verified_at, expires_at")).
		WithArgs(goodProof).
		WillReturnRows(sqlmock.NewRows([]string{
			"proof_hash", "parent_asset_id", "valid", "details", "verified_at", "expires_at",
		}).AddRow(goodProof, "asset-1", true, []byte(`{"tx":"abc"}`), now, now.Add(DefaultProofTTL)))
	mock.ExpectCommit()

	p, ok, err := cache.GetProof(context.Background(), goodProof)
	if err != nil {
		t.Fatalf("GetProof() error = %v", err)
	}
	if !ok {
		t.Fatal("GetProof() ok = false, want hit")
	}
	if !p.Valid || p.ParentAssetID != "asset-1" {
		t.Errorf("GetProof() = %+v", p)
	}
	if p.Details["tx"] != "abc" {
		t.Errorf("Details = %v, want tx=abc", p.Details)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresCacheExpiredProofMisses(t *testing.T) {
	cache, mock := newMockCache(t)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT proof_hash")).
		WithArgs(goodProof).
		WillReturnRows(sqlmock.NewRows([]string{
			"proof_hash", "parent_asset_id", "valid", "details", "verified_at", "expires_at",
		}).AddRow(goodProof, "", true, []byte(`{}`), now.Add(-48*time.Hour), now.Add(-24*time.Hour)))
	mock.ExpectCommit()

	_, ok, err := cache.GetProof(context.Background(), goodProof)
	if err != nil {
		t.Fatalf("GetProof() error = %v", err)
	}
	if ok {
		t.Error("GetProof() returned an expired row")
	}
}

func TestPostgresCacheScoreMiss(t *testing.T) {
	cache, mock := newMockCache(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT material_id, esg_score")).
		WithArgs("hemp").
		WillReturnRows(sqlmock.NewRows([]string{
			"material_id", "esg_score", "details", "verified_at", "expires_at",
		}))
	mock.ExpectCommit()

	_, ok, err := cache.GetScore(context.Background(), "hemp")
	if err != nil {
		t.Fatalf("GetScore() error = %v", err)
	}
	if ok {
		t.Error("GetScore() ok = true on empty table")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
