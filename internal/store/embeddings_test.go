package store

import (
	"testing"
	"time"

	"github.com/rubinfoundry/mintcore/internal/domain"
)

func TestPutAndGetEmbeddingRoundTrips(t *testing.T) {
	db := openTestDB(t)
	rec := domain.EmbeddingRecord{
		ContentHash:      "aa",
		VectorID:         "aa",
		EmbeddingVector:  []float32{0.1, 0.2, 0.3},
		AssetType:        domain.AssetImage,
		SimilarityStatus: domain.SimilarityClean,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	if err := db.PutEmbedding(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.GetEmbedding("aa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.EmbeddingVector) != 3 || got.EmbeddingVector[1] != 0.2 {
		t.Fatalf("vector mismatch: %+v", got.EmbeddingVector)
	}
}

func TestGetEmbeddingNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetEmbedding("missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestEmbeddingStatisticsCountsAndOrdersBlocked(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC()
	records := []domain.EmbeddingRecord{
		{ContentHash: "1", SimilarityStatus: domain.SimilarityClean, CreatedAt: base},
		{ContentHash: "2", SimilarityStatus: domain.SimilarityBlocked, CreatedAt: base.Add(1 * time.Minute)},
		{ContentHash: "3", SimilarityStatus: domain.SimilarityBlocked, CreatedAt: base.Add(2 * time.Minute)},
		{ContentHash: "4", SimilarityStatus: domain.SimilarityWarning, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range records {
		if err := db.PutEmbedding(r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	counts, blocked, err := db.EmbeddingStatistics(10)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if counts[domain.SimilarityBlocked] != 2 || counts[domain.SimilarityClean] != 1 || counts[domain.SimilarityWarning] != 1 {
		t.Fatalf("counts mismatch: %+v", counts)
	}
	if len(blocked) != 2 || blocked[0].ContentHash != "3" {
		t.Fatalf("expected newest-first blocked records, got %+v", blocked)
	}
}

func TestEmbeddingStatisticsLimitsRecentBlocked(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		r := domain.EmbeddingRecord{
			ContentHash:      string(rune('a' + i)),
			SimilarityStatus: domain.SimilarityBlocked,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.PutEmbedding(r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	_, blocked, err := db.EmbeddingStatistics(2)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("got %d blocked records, want 2", len(blocked))
	}
}
