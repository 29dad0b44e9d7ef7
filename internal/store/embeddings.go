package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rubinfoundry/mintcore/internal/domain"
)

type embeddingDisk struct {
	ContentHash string `json:"content_hash"`
	VectorID    string `json:"vector_id"`

	EmbeddingVector []float32        `json:"embedding_vector"`
	AssetType       domain.AssetType `json:"asset_type"`
	CreatorAddress  string           `json:"creator_address"`
	IPMetadataURI   string           `json:"ip_metadata_uri"`
	NFTMetadataURI  string           `json:"nft_metadata_uri"`
	EmbeddingModel  string           `json:"embedding_model"`
	FramesExtracted *int             `json:"frames_extracted,omitempty"`

	SimilarityStatus    domain.SimilarityStatus `json:"similarity_status"`
	TopMatchScore       int                     `json:"top_match_score"`
	TopMatchContentHash string                  `json:"top_match_content_hash,omitempty"`

	StoryIPId   string `json:"story_ip_id,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

func embeddingToDisk(e domain.EmbeddingRecord) embeddingDisk {
	return embeddingDisk{
		ContentHash:         e.ContentHash,
		VectorID:            e.VectorID,
		EmbeddingVector:     e.EmbeddingVector,
		AssetType:           e.AssetType,
		CreatorAddress:      e.CreatorAddress,
		IPMetadataURI:       e.IPMetadataURI,
		NFTMetadataURI:      e.NFTMetadataURI,
		EmbeddingModel:      e.EmbeddingModel,
		FramesExtracted:     e.FramesExtracted,
		SimilarityStatus:    e.SimilarityStatus,
		TopMatchScore:       e.TopMatchScore,
		TopMatchContentHash: e.TopMatchContentHash,
		StoryIPId:           e.StoryIPId,
		ReviewNotes:         e.ReviewNotes,
		CreatedAt:           e.CreatedAt.Unix(),
	}
}

func embeddingFromDisk(d embeddingDisk) domain.EmbeddingRecord {
	return domain.EmbeddingRecord{
		ContentHash:         d.ContentHash,
		VectorID:            d.VectorID,
		EmbeddingVector:     d.EmbeddingVector,
		AssetType:           d.AssetType,
		CreatorAddress:      d.CreatorAddress,
		IPMetadataURI:       d.IPMetadataURI,
		NFTMetadataURI:      d.NFTMetadataURI,
		EmbeddingModel:      d.EmbeddingModel,
		FramesExtracted:     d.FramesExtracted,
		SimilarityStatus:    d.SimilarityStatus,
		TopMatchScore:       d.TopMatchScore,
		TopMatchContentHash: d.TopMatchContentHash,
		StoryIPId:           d.StoryIPId,
		ReviewNotes:         d.ReviewNotes,
		CreatedAt:           time.Unix(d.CreatedAt, 0).UTC(),
	}
}

// PutEmbedding inserts or replaces the single EmbeddingRecord for a
// contentHash. The similarity engine (internal/similarity) is the only
// caller; the core never destroys an EmbeddingRecord once created.
func (d *DB) PutEmbedding(e domain.EmbeddingRecord) error {
	raw, err := json.Marshal(embeddingToDisk(e))
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(e.ContentHash), raw)
	})
}

func (d *DB) GetEmbedding(contentHash string) (domain.EmbeddingRecord, error) {
	var rec domain.EmbeddingRecord
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEmbeddings).Get([]byte(contentHash))
		if raw == nil {
			return nil
		}
		found = true
		var disk embeddingDisk
		if err := json.Unmarshal(raw, &disk); err != nil {
			return fmt.Errorf("decode embedding: %w", err)
		}
		rec = embeddingFromDisk(disk)
		return nil
	})
	if err != nil {
		return domain.EmbeddingRecord{}, err
	}
	if !found {
		return domain.EmbeddingRecord{}, ErrNotFound
	}
	return rec, nil
}

// EmbeddingStatistics returns counts by similarity status plus the n most
// recently created records with status == blocked, newest first.
func (d *DB) EmbeddingStatistics(n int) (map[domain.SimilarityStatus]int, []domain.EmbeddingRecord, error) {
	counts := map[domain.SimilarityStatus]int{}
	var blocked []domain.EmbeddingRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, v []byte) error {
			var disk embeddingDisk
			if err := json.Unmarshal(v, &disk); err != nil {
				return fmt.Errorf("decode embedding %s: %w", k, err)
			}
			counts[disk.SimilarityStatus]++
			if disk.SimilarityStatus == domain.SimilarityBlocked {
				blocked = append(blocked, embeddingFromDisk(disk))
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].CreatedAt.After(blocked[j].CreatedAt) })
	if n > 0 && len(blocked) > n {
		blocked = blocked[:n]
	}
	return counts, blocked, nil
}
