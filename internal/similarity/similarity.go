// Package similarity implements C6: the orchestration of embedding
// generation (C3), vector-index query (C4), threshold classification, and
// optional LLM second opinion (C5), plus the EmbeddingRecord and
// VectorEntry lifecycle spec.md §3/§4.6 describes.
package similarity

import (
	"context"
	"fmt"
	"time"

	"github.com/rubinfoundry/mintcore/internal/domain"
	"github.com/rubinfoundry/mintcore/internal/llm"
	"github.com/rubinfoundry/mintcore/internal/signer"
	"github.com/rubinfoundry/mintcore/internal/vectorindex"
)

type Status string

const (
	StatusClean   Status = "CLEAN"
	StatusWarning Status = "WARNING"
	StatusBlocked Status = "BLOCKED"
)

func (s Status) similarityStatus() domain.SimilarityStatus {
	switch s {
	case StatusClean:
		return domain.SimilarityClean
	case StatusWarning:
		return domain.SimilarityWarning
	default:
		return domain.SimilarityBlocked
	}
}

type Match struct {
	ContentHash string
	Score       int
	StoryIPId   string
}

type Result struct {
	Status          Status
	SimilarityScore int
	TopMatch        *Match
	Matches         []Match
	Message         string
	LLMAnalysis     *llm.Analysis
}

// EmbeddingProvider is the narrow slice of C3 this package depends on.
type EmbeddingProvider interface {
	Embed(ctx context.Context, contentHash, uri string, assetType domain.AssetType) ([]float32, *int, error)
}

// Store is the narrow slice of C10 this package depends on.
type Store interface {
	GetEmbedding(contentHash string) (domain.EmbeddingRecord, error)
	PutEmbedding(domain.EmbeddingRecord) error
	EmbeddingStatistics(n int) (map[domain.SimilarityStatus]int, []domain.EmbeddingRecord, error)
}

type Thresholds struct {
	Clean int // T_clean
	Warn  int // T_warn
}

func (t Thresholds) Validate() error {
	if t.Clean < 0 || t.Warn > 100 || t.Clean >= t.Warn {
		return fmt.Errorf("similarity: invalid thresholds: 0 <= T_clean(%d) < T_warn(%d) <= 100", t.Clean, t.Warn)
	}
	return nil
}

func (t Thresholds) Classify(percent int) Status {
	switch {
	case percent <= t.Clean:
		return StatusClean
	case percent <= t.Warn:
		return StatusWarning
	default:
		return StatusBlocked
	}
}

type Config struct {
	Thresholds        Thresholds
	TopK              int
	EmbeddingModel    string
	EnableLLMAnalysis bool
}

type Engine struct {
	cfg        Config
	store      Store
	embedder   EmbeddingProvider
	index      vectorindex.Index
	adjudicator llm.Adjudicator

	namespaceRegistered vectorindex.Namespace
	namespacePending    vectorindex.Namespace

	now func() time.Time
}

func New(cfg Config, store Store, embedder EmbeddingProvider, index vectorindex.Index, adjudicator llm.Adjudicator, nsRegistered, nsPending vectorindex.Namespace) (*Engine, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if adjudicator == nil {
		adjudicator = llm.NoOp{}
	}
	return &Engine{
		cfg:                 cfg,
		store:               store,
		embedder:            embedder,
		index:               index,
		adjudicator:         adjudicator,
		namespaceRegistered: nsRegistered,
		namespacePending:    nsPending,
		now:                 time.Now,
	}, nil
}

// CheckAndAdmit implements spec.md §4.6's ten-step admission sequence.
func (e *Engine) CheckAndAdmit(ctx context.Context, ipURI, nftURI string, assetType domain.AssetType, creatorAddress string) (Result, error) {
	hash := signer.ContentHash(ipURI, nftURI)
	contentHash := fmt.Sprintf("%x", hash)

	if _, err := e.store.GetEmbedding(contentHash); err == nil {
		return Result{
			Status:          StatusBlocked,
			SimilarityScore: 100,
			Message:         "already registered",
		}, nil
	}

	vector, framesExtracted, err := e.embedder.Embed(ctx, contentHash, ipURI, assetType)
	if err != nil {
		return Result{}, fmt.Errorf("similarity: embed: %w", err)
	}

	matches, err := e.index.Query(ctx, e.namespaceRegistered, vector, e.cfg.TopK, nil)
	if err != nil {
		return Result{}, fmt.Errorf("similarity: query index: %w", err)
	}

	percent := 0
	var topMatch *Match
	resultMatches := make([]Match, 0, len(matches))
	for i, m := range matches {
		p := int(roundToPercent(m.Score))
		rm := Match{ContentHash: m.Metadata.ContentHash, Score: p, StoryIPId: m.Metadata.StoryIPId}
		resultMatches = append(resultMatches, rm)
		if i == 0 {
			percent = p
			top := rm
			topMatch = &top
		}
	}

	status := e.cfg.Thresholds.Classify(percent)

	var analysis *llm.Analysis
	if e.cfg.EnableLLMAnalysis && percent > e.cfg.Thresholds.Clean {
		a := e.adjudicator.Analyze(ctx,
			llm.QueryInput{ContentHash: contentHash, AssetType: string(assetType)},
			topMatchInput(topMatch),
			percent,
		)
		analysis = &a
	}

	record := domain.EmbeddingRecord{
		ContentHash:     contentHash,
		VectorID:        contentHash,
		EmbeddingVector: vector,
		AssetType:       assetType,
		CreatorAddress:  creatorAddress,
		IPMetadataURI:   ipURI,
		NFTMetadataURI:  nftURI,
		EmbeddingModel:  e.cfg.EmbeddingModel,
		FramesExtracted: framesExtracted,
		SimilarityStatus: status.similarityStatus(),
		TopMatchScore:   percent,
		CreatedAt:       e.now(),
	}
	if topMatch != nil {
		record.TopMatchContentHash = topMatch.ContentHash
	}
	// DB write ordered before the index upsert: partial state is always
	// "record exists, not yet indexed", which is self-healing on the next
	// admission attempt via the dedup check above (spec.md §5).
	if err := e.store.PutEmbedding(record); err != nil {
		return Result{}, fmt.Errorf("similarity: persist embedding: %w", err)
	}

	if status != StatusBlocked {
		entry := vectorindex.Entry{
			ID:     contentHash,
			Vector: vector,
			Metadata: vectorindex.Metadata{
				ContentHash:    contentHash,
				AssetType:      string(assetType),
				CreatorAddress: creatorAddress,
				IPMetadataURI:  ipURI,
				NFTMetadataURI: nftURI,
				Timestamp:      e.now().Unix(),
			},
		}
		if err := e.index.Upsert(ctx, e.namespacePending, []vectorindex.Entry{entry}); err != nil {
			return Result{}, fmt.Errorf("similarity: upsert pending vector: %w", err)
		}
	}

	return Result{
		Status:          status,
		SimilarityScore: percent,
		TopMatch:        topMatch,
		Matches:         resultMatches,
		Message:         messageFor(status),
		LLMAnalysis:     analysis,
	}, nil
}

func topMatchInput(m *Match) llm.MatchInput {
	if m == nil {
		return llm.MatchInput{}
	}
	return llm.MatchInput{ContentHash: m.ContentHash, StoryIPId: m.StoryIPId}
}

func messageFor(s Status) string {
	switch s {
	case StatusClean:
		return "no significant similarity found"
	case StatusWarning:
		return "similarity detected; proceeding with warning"
	default:
		return "content too similar to an existing registered asset"
	}
}

// Promote implements spec.md §4.6's post-mint step: attach storyIpId,
// mark clean, move the VectorEntry from pending to registered. Both the
// delete and the upsert are attempted; a missing pending entry is not an
// error, but a failed registered-namespace upsert fails the whole call
// (callers treat that failure as non-fatal per spec.md §7).
func (e *Engine) Promote(ctx context.Context, contentHash, storyIPId string) error {
	rec, err := e.store.GetEmbedding(contentHash)
	if err != nil {
		return fmt.Errorf("similarity: promote: load embedding: %w", err)
	}
	rec.StoryIPId = storyIPId
	rec.SimilarityStatus = domain.SimilarityClean
	if err := e.store.PutEmbedding(rec); err != nil {
		return fmt.Errorf("similarity: promote: persist embedding: %w", err)
	}

	if err := e.index.DeleteOne(ctx, e.namespacePending, contentHash); err != nil {
		// best-effort: a missing pending entry is not an error
		_ = err
	}

	entry := vectorindex.Entry{
		ID:     contentHash,
		Vector: rec.EmbeddingVector,
		Metadata: vectorindex.Metadata{
			ContentHash:    contentHash,
			AssetType:      string(rec.AssetType),
			CreatorAddress: rec.CreatorAddress,
			StoryIPId:      storyIPId,
			IPMetadataURI:  rec.IPMetadataURI,
			NFTMetadataURI: rec.NFTMetadataURI,
			Timestamp:      e.now().Unix(),
		},
	}
	if err := e.index.Upsert(ctx, e.namespaceRegistered, []vectorindex.Entry{entry}); err != nil {
		return fmt.Errorf("similarity: promote: upsert registered vector: %w", err)
	}
	return nil
}

type Statistics struct {
	CountsByStatus map[domain.SimilarityStatus]int
	RecentBlocked  []domain.EmbeddingRecord
}

func (e *Engine) Statistics(recentBlockedLimit int) (Statistics, error) {
	counts, blocked, err := e.store.EmbeddingStatistics(recentBlockedLimit)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{CountsByStatus: counts, RecentBlocked: blocked}, nil
}

// roundToPercent converts a cosine score in [-1,1] to an integer
// percentage per spec.md §4.6 step 5: round(s*100).
func roundToPercent(score float64) int64 {
	v := score * 100
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}
