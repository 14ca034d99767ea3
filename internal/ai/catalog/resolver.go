package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"go.uber.org/zap"
)

const (
	manifestCacheTTL  = 300 * time.Second
	modelsCacheTTL    = 300 * time.Second
	modelsDevCacheTTL = 300 * time.Second

	// models.dev 聚合目录的固定地址
	DefaultModelsDevEndpoint = "https://models.dev/api.json"

	defaultFetchTimeout = 30 * time.Second
)

// ManifestFetchOptions GetManifest 选项
type ManifestFetchOptions struct {
	ForceRefresh bool
	Headers      map[string]string
}

// ModelFetchOptions GetModels 选项
type ModelFetchOptions struct {
	ManifestURL  string
	APIKey       string
	Headers      map[string]string
	ForceRefresh bool
}

type manifestEntry struct {
	manifest *Manifest
	expires  time.Time
}

type modelsEntry struct {
	models  map[string]types.ModelInfo
	expires time.Time
}

type modelsDevEntry struct {
	data    map[string]modelsDevProvider
	expires time.Time
}

// ResolverConfig Resolver 配置
type ResolverConfig struct {
	HTTPClient       *http.Client
	ModelsDevURL     string // 覆盖聚合目录地址（测试用）
	ManifestCacheTTL time.Duration
	ModelsCacheTTL   time.Duration
}

// Resolver 负责 Provider manifest 与模型目录的获取、校验和缓存。
// manifest 缓存与目录缓存按 manifest URL 独立失效；
// models.dev 聚合文档全局缓存一份，跨所有 manifest 共享。
// 缓存写入是幂等的（同一 URL 写入相同/刷新后的值），
// 并发未命中时由先完成的一方写入即可，无需冲突解决。
type Resolver struct {
	client       *http.Client
	modelsDevURL string
	manifestTTL  time.Duration
	modelsTTL    time.Duration
	logger       *logger.Logger

	mu        sync.Mutex
	manifests map[string]manifestEntry
	models    map[string]modelsEntry
	modelsDev *modelsDevEntry

	now func() time.Time
}

// NewResolver 创建 Resolver。cfg 和 lgr 均可为 nil。
func NewResolver(cfg *ResolverConfig, lgr *logger.Logger) *Resolver {
	if cfg == nil {
		cfg = &ResolverConfig{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	modelsDevURL := cfg.ModelsDevURL
	if modelsDevURL == "" {
		modelsDevURL = DefaultModelsDevEndpoint
	}
	manifestTTL := cfg.ManifestCacheTTL
	if manifestTTL == 0 {
		manifestTTL = manifestCacheTTL
	}
	modelsTTL := cfg.ModelsCacheTTL
	if modelsTTL == 0 {
		modelsTTL = modelsCacheTTL
	}
	if lgr == nil {
		lgr = logger.L()
	}

	return &Resolver{
		client:       client,
		modelsDevURL: modelsDevURL,
		manifestTTL:  manifestTTL,
		modelsTTL:    modelsTTL,
		logger:       lgr,
		manifests:    make(map[string]manifestEntry),
		models:       make(map[string]modelsEntry),
		now:          time.Now,
	}
}

// GetManifest 获取并校验 manifest，按 URL 缓存 300 秒。
// ForceRefresh 时无视 TTL 重新拉取。
func (r *Resolver) GetManifest(ctx context.Context, manifestURL string, opts *ManifestFetchOptions) (*Manifest, error) {
	if manifestURL == "" {
		return nil, types.ErrMissingManifestURL
	}
	if opts == nil {
		opts = &ManifestFetchOptions{}
	}

	if !opts.ForceRefresh {
		r.mu.Lock()
		entry, ok := r.manifests[manifestURL]
		r.mu.Unlock()
		if ok && r.now().Before(entry.expires) {
			return entry.manifest, nil
		}
	}

	body, err := r.get(ctx, "provider manifest", manifestURL, opts.Headers)
	if err != nil {
		return nil, err
	}

	manifest, err := parseManifest(body)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.manifests[manifestURL] = manifestEntry{manifest: manifest, expires: r.now().Add(r.manifestTTL)}
	r.mu.Unlock()

	r.logger.Debug("provider manifest fetched",
		zap.String("manifest_url", manifestURL),
		zap.String("provider", manifest.Name),
		zap.String("models_data_source", manifest.ModelsDataSource))

	return manifest, nil
}

// GetModels 解析 manifest 并按其数据源获取模型目录，
// 结果按 manifest URL 缓存 300 秒。
func (r *Resolver) GetModels(ctx context.Context, opts *ModelFetchOptions) (map[string]types.ModelInfo, error) {
	if opts == nil || opts.ManifestURL == "" {
		return nil, types.ErrMissingManifestURL
	}

	if !opts.ForceRefresh {
		r.mu.Lock()
		entry, ok := r.models[opts.ManifestURL]
		r.mu.Unlock()
		if ok && r.now().Before(entry.expires) {
			return entry.models, nil
		}
	}

	manifest, err := r.GetManifest(ctx, opts.ManifestURL, &ManifestFetchOptions{
		ForceRefresh: opts.ForceRefresh,
		Headers:      opts.Headers,
	})
	if err != nil {
		return nil, err
	}

	var models map[string]types.ModelInfo
	switch manifest.ModelsDataSource {
	case DataSourceEndpoint:
		models, err = r.fetchFromEndpoint(ctx, manifest, opts)
	default:
		models, err = r.fetchFromModelsDev(ctx, manifest, opts)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.models[opts.ManifestURL] = modelsEntry{models: models, expires: r.now().Add(r.modelsTTL)}
	r.mu.Unlock()

	r.logger.Info("provider models resolved",
		zap.String("manifest_url", opts.ManifestURL),
		zap.String("provider", manifest.Name),
		zap.Int("model_count", len(models)))

	return models, nil
}

// GetModelsFromCache 同步读缓存，不发起网络请求。未命中返回 false。
func (r *Resolver) GetModelsFromCache(manifestURL string) (map[string]types.ModelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[manifestURL]
	if !ok || !r.now().Before(entry.expires) {
		return nil, false
	}
	return entry.models, true
}

// ClearCache 清除单个 manifest URL 的目录缓存
func (r *Resolver) ClearCache(manifestURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, manifestURL)
}

// ClearAllCaches 清除全部缓存（manifest、目录、models.dev）
func (r *Resolver) ClearAllCaches() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests = make(map[string]manifestEntry)
	r.models = make(map[string]modelsEntry)
	r.modelsDev = nil
}

// fetchFromEndpoint 从 provider 自己的 models 接口拉取目录
func (r *Resolver) fetchFromEndpoint(ctx context.Context, manifest *Manifest, opts *ModelFetchOptions) (map[string]types.ModelInfo, error) {
	endpoint, err := buildModelsURL(manifest)
	if err != nil {
		return nil, err
	}

	headers := normalizeHeaders(manifest.Headers, opts.Headers, opts.APIKey)
	body, err := r.get(ctx, manifest.Name, endpoint, headers)
	if err != nil {
		return nil, err
	}

	resp, err := parseModelsResponse(body)
	if err != nil {
		return nil, err
	}
	return mapModels(resp.Models), nil
}

// fetchFromModelsDev 从 models.dev 聚合目录中查找配置的 provider
func (r *Resolver) fetchFromModelsDev(ctx context.Context, manifest *Manifest, opts *ModelFetchOptions) (map[string]types.ModelInfo, error) {
	if manifest.ModelsDevProviderID == "" {
		return nil, fmt.Errorf("models_dev_provider_id is required when models_data_source is %q", DataSourceModelsDev)
	}

	r.mu.Lock()
	cached := r.modelsDev
	r.mu.Unlock()

	var data map[string]modelsDevProvider
	if cached != nil && r.now().Before(cached.expires) {
		data = cached.data
	} else {
		body, err := r.get(ctx, "models.dev", r.modelsDevURL, opts.Headers)
		if err != nil {
			return nil, err
		}
		data, err = parseModelsDevResponse(body)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.modelsDev = &modelsDevEntry{data: data, expires: r.now().Add(modelsDevCacheTTL)}
		r.mu.Unlock()
	}

	entry, ok := data[manifest.ModelsDevProviderID]
	if !ok {
		return nil, fmt.Errorf("models.dev response did not include provider %q, ensure the manifest is up to date",
			manifest.ModelsDevProviderID)
	}
	return mapModels(entry.Models), nil
}

// get 发起一次 GET 请求并读出响应体，非 2xx 经统一错误翻译返回
func (r *Resolver) get(ctx context.Context, provider, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.NewProviderError(provider, "create request failed", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, types.NewProviderError(provider, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewProviderError(provider, "read response failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewHTTPError(provider, resp.StatusCode, body, resp.Header)
	}
	return body, nil
}

var (
	defaultResolver     *Resolver
	defaultResolverOnce sync.Once
)

// Default 进程级共享 Resolver，缓存跨所有调用方复用
func Default() *Resolver {
	defaultResolverOnce.Do(func() {
		defaultResolver = NewResolver(nil, nil)
	})
	return defaultResolver
}
