// Package embedclient talks to the external embedding HTTP service C7
// depends on: POST /embed for vectors, GET /health for availability.
package embedclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/httpx"
)

// DefaultBatchSize matches spec.md's fixed embedding batch size.
const DefaultBatchSize = 64

// DefaultCacheSize bounds the in-process query embedding cache.
const DefaultCacheSize = 1000

const dimProbeText = "dim-probe"

// Config configures a Client.
type Config struct {
	BaseURL   string
	ModelID   string
	BatchSize int
	CacheSize int
	Timeout   time.Duration
}

// Client is an HTTP embedding client with a request-scoped timeout per
// call (never a client-wide timeout, so a slow cold-start model load does
// not poison every subsequent request) and an LRU cache in front of
// single-text embed calls.
type Client struct {
	http    *http.Client
	cfg     Config
	dims    int
	cache   *lru.Cache[string, []float32]
	retryer httpx.RetryConfig
}

// New constructs a Client and probes /health then a dimension probe
// embedding to learn the model's vector width.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cache, _ := lru.New[string, []float32](cfg.CacheSize)
	c := &Client{
		http:    &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 4}},
		cfg:     cfg,
		cache:   cache,
		retryer: httpx.DefaultRetryConfig(),
	}

	if err := c.checkHealth(ctx); err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "embedclient.New", err)
	}

	vecs, err := c.doEmbed(ctx, []string{dimProbeText})
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "embedclient.New", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, herrors.New(herrors.BackendUnavailable, "embedclient.New", "dimension probe returned empty vector")
	}
	c.dims = len(vecs[0])
	return c, nil
}

// Dimensions reports the model's vector width, learned at construction.
func (c *Client) Dimensions() int { return c.dims }

// ModelID returns the configured model identifier.
func (c *Client) ModelID() string { return c.cfg.ModelID }

// Healthy reports whether the embedding service currently answers
// GET /health successfully.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.checkHealth(ctx) == nil
}

func (c *Client) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embed service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// EmbedPassages embeds document-side chunk text, "passage: "-prefixed per
// the model's instruction-tuned convention, batching DefaultBatchSize
// texts per request.
func (c *Client) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = "passage: " + t
	}
	return c.embedBatched(ctx, prefixed)
}

// EmbedQuery embeds a search query, "query: "-prefixed, checking the LRU
// cache first since the same query text recurs across retrieval layers
// within one fusion call.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey("query: " + text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vecs, err := c.doEmbed(ctx, []string{"query: " + text})
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vecs[0])
	return vecs[0], nil
}

func (c *Client) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := c.cfg.BatchSize
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.doEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: texts})
	if err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "embedclient.doEmbed", err)
	}

	var parsed [][]float64
	err = httpx.Do(ctx, c.retryer, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embed", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return herrors.Wrap(herrors.BackendUnavailable, "embedclient.doEmbed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			respBody, _ := io.ReadAll(resp.Body)
			return herrors.New(herrors.BackendUnavailable, "embedclient.doEmbed",
				fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)))
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return herrors.New(herrors.InvariantViolation, "embedclient.doEmbed",
				fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)))
		}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(parsed))
	for i, emb := range parsed {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

func (c *Client) cacheKey(text string) string {
	combined := text + "\x00" + c.cfg.ModelID
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}
