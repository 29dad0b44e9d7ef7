// Package embedding implements C3: multimodal embedding generation from a
// content URI. It follows the teacher's pluggable-backend idiom
// (crypto.CryptoProvider / node/provider_default.go) — narrow interfaces
// for the two things that vary by environment (FrameExtractor needs a
// decoder binary; ModelClient needs a remote model endpoint) — so tests
// substitute fakes instead of shelling out or calling the network.
package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/rubinfoundry/mintcore/internal/domain"
)

// ErrProvider wraps every network/decode/model failure this package
// produces, per spec.md §4.3's EmbeddingProviderError.
type ErrProvider struct {
	Op    string
	Cause error
}

func (e *ErrProvider) Error() string { return fmt.Sprintf("embedding: %s: %v", e.Op, e.Cause) }
func (e *ErrProvider) Unwrap() error { return e.Cause }

// FrameExtractor pulls one frame per second (up to max) from a video file
// on disk, writing each frame as a JPEG into dir. Production wiring shells
// out to ffmpeg; tests supply a fake that writes synthetic files.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath, dir string, maxFrames int) ([]string, error)
}

// ModelClient submits text or image (as a data URI) to the embedding
// model and returns its vector. Production wiring is an HTTP JSON client
// against the configured embedding endpoint.
type ModelClient interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImageDataURI(ctx context.Context, dataURI string) ([]float32, error)
}

type Config struct {
	IPFSGatewayBase string // e.g. "https://ipfs.io/ipfs/"
	MaxVideoFrames  int
	Dimension       int
}

type Provider struct {
	cfg       Config
	http      *http.Client
	model     ModelClient
	frames    FrameExtractor
	cache     *lru.Cache[string, []float32]
}

// New builds a Provider. cacheSize bounds the in-process contentHash ->
// vector cache (0 disables caching).
func New(cfg Config, model ModelClient, frames FrameExtractor, cacheSize int) (*Provider, error) {
	if cfg.MaxVideoFrames <= 0 {
		cfg.MaxVideoFrames = 300
	}
	p := &Provider{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		model:  model,
		frames: frames,
	}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: cache: %w", err)
		}
		p.cache = c
	}
	return p, nil
}

// CacheGet/CachePut back Embed's contentHash-keyed reuse of a previously
// computed embedding.
func (p *Provider) CacheGet(contentHash string) ([]float32, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(contentHash)
}

func (p *Provider) CachePut(contentHash string, vector []float32) {
	if p.cache == nil {
		return
	}
	p.cache.Add(contentHash, vector)
}

// Embed generates the embedding vector for uri per spec.md §4.3. contentHash
// keys the in-process cache so a retried admission attempt for content
// already embedded once (e.g. after a transient vector-index failure) skips
// the model call entirely. Every call gets its own scratch directory,
// removed unconditionally on exit.
func (p *Provider) Embed(ctx context.Context, contentHash, uri string, assetType domain.AssetType) ([]float32, *int, error) {
	if vec, ok := p.CacheGet(contentHash); ok {
		return vec, nil, nil
	}

	scratch, err := os.MkdirTemp("", "mintcore-embed-"+uuid.NewString())
	if err != nil {
		return nil, nil, &ErrProvider{Op: "mkdir scratch", Cause: err}
	}
	defer os.RemoveAll(scratch)

	var vec []float32
	var framesExtracted *int

	switch assetType {
	case domain.AssetText:
		raw, err := p.fetch(ctx, uri)
		if err != nil {
			return nil, nil, &ErrProvider{Op: "fetch text", Cause: err}
		}
		vec, err = p.model.EmbedText(ctx, string(raw))
		if err != nil {
			return nil, nil, &ErrProvider{Op: "embed text", Cause: err}
		}

	case domain.AssetImage:
		raw, err := p.fetch(ctx, uri)
		if err != nil {
			return nil, nil, &ErrProvider{Op: "fetch image", Cause: err}
		}
		vec, err = p.model.EmbedImageDataURI(ctx, toDataURI(raw))
		if err != nil {
			return nil, nil, &ErrProvider{Op: "embed image", Cause: err}
		}

	case domain.AssetVideo:
		vec, framesExtracted, err = p.embedVideo(ctx, uri, scratch)
		if err != nil {
			return nil, nil, err
		}

	case domain.AssetAudio:
		// Placeholder per spec.md §4.3: the current backing model is
		// multimodal image/text, so audio is treated as text input.
		raw, err := p.fetch(ctx, uri)
		if err != nil {
			return nil, nil, &ErrProvider{Op: "fetch audio", Cause: err}
		}
		vec, err = p.model.EmbedText(ctx, string(raw))
		if err != nil {
			return nil, nil, &ErrProvider{Op: "embed audio", Cause: err}
		}

	default:
		return nil, nil, &ErrProvider{Op: "embed", Cause: fmt.Errorf("unsupported asset type %q", assetType)}
	}

	p.CachePut(contentHash, vec)
	return vec, framesExtracted, nil
}

func (p *Provider) embedVideo(ctx context.Context, uri, scratch string) ([]float32, *int, error) {
	raw, err := p.fetch(ctx, uri)
	if err != nil {
		return nil, nil, &ErrProvider{Op: "fetch video", Cause: err}
	}
	videoPath := scratch + "/source.mp4"
	if err := os.WriteFile(videoPath, raw, 0o600); err != nil {
		return nil, nil, &ErrProvider{Op: "write video", Cause: err}
	}

	framePaths, err := p.frames.ExtractFrames(ctx, videoPath, scratch, p.cfg.MaxVideoFrames)
	if err != nil {
		return nil, nil, &ErrProvider{Op: "extract frames", Cause: err}
	}
	if len(framePaths) == 0 {
		return nil, nil, &ErrProvider{Op: "extract frames", Cause: fmt.Errorf("no frames extracted")}
	}

	sum := make([]float32, p.cfg.Dimension)
	for _, fp := range framePaths {
		frame, err := os.ReadFile(fp)
		if err != nil {
			return nil, nil, &ErrProvider{Op: "read frame", Cause: err}
		}
		vec, err := p.model.EmbedImageDataURI(ctx, toDataURI(frame))
		if err != nil {
			return nil, nil, &ErrProvider{Op: "embed frame", Cause: err}
		}
		for i := range sum {
			if i < len(vec) {
				sum[i] += vec[i]
			}
		}
	}
	n := float32(len(framePaths))
	for i := range sum {
		sum[i] /= n
	}
	extracted := len(framePaths)
	return sum, &extracted, nil
}

func (p *Provider) fetch(ctx context.Context, uri string) ([]byte, error) {
	httpURL := p.rewriteIPFS(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", httpURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Provider) rewriteIPFS(uri string) string {
	if strings.HasPrefix(uri, "ipfs://") {
		base := p.cfg.IPFSGatewayBase
		if base == "" {
			base = "https://ipfs.io/ipfs/"
		}
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(uri, "ipfs://")
	}
	return uri
}

func toDataURI(raw []byte) string {
	return "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw)
}

// httpModelClient is the production ModelClient: a thin REST/JSON client
// against the configured embedding endpoint (net/http + encoding/json —
// no ecosystem HTTP client wrapper in the pack fits a bespoke external
// REST API any better; see DESIGN.md).
type httpModelClient struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

func NewHTTPModelClient(endpoint, apiKey, model string) ModelClient {
	return &httpModelClient{endpoint: endpoint, apiKey: apiKey, model: model, http: &http.Client{Timeout: 60 * time.Second}}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Kind  string `json:"kind"` // "text" or "image"
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

func (c *httpModelClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.call(ctx, embedRequest{Model: c.model, Input: text, Kind: "text"})
}

func (c *httpModelClient) EmbedImageDataURI(ctx context.Context, dataURI string) ([]float32, error) {
	return c.call(ctx, embedRequest{Model: c.model, Input: dataURI, Kind: "image"})
}

func (c *httpModelClient) call(ctx context.Context, reqBody embedRequest) ([]float32, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid embedding endpoint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embedding model: status %d", resp.StatusCode)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	return out.Vector, nil
}
