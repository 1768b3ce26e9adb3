// Package course — HTTP-клиент каталога материалов курсов. Сервис хранилища
// только читает из него метаданные файлов, доступных для личной копии.
package course

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"edustorage/internal/domain"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "course_catalog_cache_hits_total",
		Help: "Попадания в кэш метаданных материалов курсов",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "course_catalog_cache_misses_total",
		Help: "Промахи кэша метаданных материалов курсов",
	})
)

type Config struct {
	BaseURL   string        `mapstructure:"BaseURL"`
	Timeout   time.Duration `mapstructure:"Timeout"`
	CacheSize int           `mapstructure:"CacheSize"`
	CacheTTL  time.Duration `mapstructure:"CacheTTL"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *expirable.LRU[string, *domain.SourceFile]
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		},
		cache:  expirable.NewLRU[string, *domain.SourceFile](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger.Named("course"),
	}
}

// GetSourceFile возвращает метаданные файла курса: GET {base}/files/{id}.
func (c *Client) GetSourceFile(ctx context.Context, id string) (*domain.SourceFile, error) {
	if cached, ok := c.cache.Get(id); ok {
		cacheHitsTotal.Inc()
		cp := *cached
		return &cp, nil
	}
	cacheMissesTotal.Inc()

	reqURL := fmt.Sprintf("%s/files/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build course request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.CodeUpstreamUnavailable, err, "course catalog request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewError(domain.CodeFileNotFound, "course file %s not found", id)
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("course catalog returned unexpected status",
			zap.String("file_id", id),
			zap.Int("status", resp.StatusCode))
		return nil, domain.NewError(domain.CodeUpstreamUnavailable, "course catalog returned %d", resp.StatusCode)
	}

	var file domain.SourceFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, domain.WrapError(domain.CodeUpstreamUnavailable, err, "failed to decode course file %s", id)
	}
	if file.ID == "" {
		file.ID = id
	}
	if file.StorageKey == "" || file.SizeBytes < 0 {
		return nil, domain.NewError(domain.CodeUpstreamUnavailable, "course file %s has incomplete metadata", id)
	}

	c.cache.Add(id, &file)
	cp := file
	return &cp, nil
}
