package catalog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// 数据源类型
const (
	DataSourceEndpoint  = "endpoint"
	DataSourceModelsDev = "models_dev"
)

// Manifest Provider 自描述文档。
// 未知字段保留在 Raw 中（向前兼容，不拒绝）。
type Manifest struct {
	Name                string            `json:"name"`
	Website             string            `json:"website"`
	BaseURL             string            `json:"baseUrl"`
	ModelsDataSource    string            `json:"models_data_source"`
	ModelsDevProviderID string            `json:"models_dev_provider_id,omitempty"`
	ModelsEndpoint      string            `json:"models_endpoint,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// SchemaError manifest 或模型目录响应不符合预期结构
type SchemaError struct {
	Resource string // 出错的文档（manifest / models response / models.dev response）
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s schema validation failed: %s", e.Resource, e.Reason)
}

// parseManifest 解析并校验 manifest 文档
func parseManifest(body []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &SchemaError{Resource: "provider manifest", Reason: err.Error()}
	}
	m.Raw = append(json.RawMessage(nil), body...)

	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return nil, &SchemaError{Resource: "provider manifest", Reason: "provider name is required"}
	}
	if !isValidURL(m.Website) {
		return nil, &SchemaError{Resource: "provider manifest", Reason: fmt.Sprintf("invalid website URL: %q", m.Website)}
	}
	if !isValidURL(m.BaseURL) {
		return nil, &SchemaError{Resource: "provider manifest", Reason: fmt.Sprintf("invalid baseUrl: %q", m.BaseURL)}
	}
	switch m.ModelsDataSource {
	case DataSourceEndpoint, DataSourceModelsDev:
	default:
		return nil, &SchemaError{
			Resource: "provider manifest",
			Reason:   fmt.Sprintf("models_data_source must be %q or %q, got %q", DataSourceEndpoint, DataSourceModelsDev, m.ModelsDataSource),
		}
	}
	return &m, nil
}

func isValidURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// buildModelsURL 构造 endpoint 数据源的模型列表 URL。
// 有显式 models_endpoint 时相对 baseUrl 解析；否则在去掉尾部斜杠的
// baseUrl 后追加 /models。extended=true 查询参数始终保证存在。
func buildModelsURL(m *Manifest) (string, error) {
	if m.ModelsEndpoint != "" {
		base, err := url.Parse(m.BaseURL)
		if err != nil {
			return "", &SchemaError{Resource: "provider manifest", Reason: "invalid baseUrl"}
		}
		ref, err := url.Parse(m.ModelsEndpoint)
		if err != nil {
			return "", &SchemaError{Resource: "provider manifest", Reason: "invalid models_endpoint"}
		}
		return ensureExtended(base.ResolveReference(ref)), nil
	}

	u, err := url.Parse(strings.TrimSuffix(m.BaseURL, "/"))
	if err != nil {
		return "", &SchemaError{Resource: "provider manifest", Reason: "invalid baseUrl"}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/models"
	return ensureExtended(u), nil
}

func ensureExtended(u *url.URL) string {
	q := u.Query()
	if !q.Has("extended") {
		q.Set("extended", "true")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// normalizeHeaders 合并请求头。key 统一小写避免大小写不同的重复项；
// 优先级从低到高：manifest 声明 < 调用方传入；
// 仅当没有任何 authorization 头时才合成 Bearer。
func normalizeHeaders(manifestHeaders, userHeaders map[string]string, apiKey string) map[string]string {
	headers := make(map[string]string)

	for key, value := range manifestHeaders {
		headers[strings.ToLower(key)] = value
	}
	for key, value := range userHeaders {
		headers[strings.ToLower(key)] = value
	}
	if apiKey != "" {
		if _, ok := headers["authorization"]; !ok {
			headers["authorization"] = "Bearer " + apiKey
		}
	}
	return headers
}
