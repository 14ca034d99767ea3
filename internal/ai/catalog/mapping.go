package catalog

import (
	"encoding/json"
	"strings"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
)

// 厂商模型条目的原始结构（endpoint 与 models.dev 共用）
type rawModel struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Reasoning   bool           `json:"reasoning,omitempty"`
	Temperature *bool          `json:"temperature,omitempty"`
	Attachment  bool           `json:"attachment,omitempty"`
	ToolCall    bool           `json:"tool_call,omitempty"`
	Modalities  *rawModalities `json:"modalities,omitempty"`
	OpenWeights bool           `json:"open_weights,omitempty"`
	Cost        *rawCost       `json:"cost,omitempty"`
	Limit       *rawLimit      `json:"limit,omitempty"`
	Description string         `json:"description,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`

	// 个别厂商会显式声明缓存支持
	SupportsPromptCache bool `json:"supports_prompt_cache,omitempty"`
}

type rawModalities struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

type rawCost struct {
	Input      *float64 `json:"input,omitempty"`
	Output     *float64 `json:"output,omitempty"`
	CacheRead  *float64 `json:"cache_read,omitempty"`
	CacheWrite *float64 `json:"cache_write,omitempty"`
}

type rawLimit struct {
	Context *int `json:"context,omitempty"`
	Output  *int `json:"output,omitempty"`
}

type rawModelsResponse struct {
	Models map[string]rawModel `json:"models"`
}

type modelsDevProvider struct {
	ID     string              `json:"id,omitempty"`
	API    string              `json:"api,omitempty"`
	Name   string              `json:"name,omitempty"`
	Models map[string]rawModel `json:"models"`
}

// parseModelsResponse 解析 models 接口响应。缺失 models 键视为空目录。
func parseModelsResponse(body []byte) (*rawModelsResponse, error) {
	var resp rawModelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &SchemaError{Resource: "models response", Reason: err.Error()}
	}
	if resp.Models == nil {
		resp.Models = map[string]rawModel{}
	}
	return &resp, nil
}

// parseModelsDevResponse 解析 models.dev 聚合文档（按 provider id 索引）
func parseModelsDevResponse(body []byte) (map[string]modelsDevProvider, error) {
	var data map[string]modelsDevProvider
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &SchemaError{Resource: "models.dev response", Reason: err.Error()}
	}
	return data, nil
}

// toModelInfo 把厂商原始模型条目映射为归一化描述
func toModelInfo(modelID string, raw rawModel) types.ModelInfo {
	info := types.SaneDefaults()

	if raw.Modalities != nil {
		info.SupportsImages = hasImageModality(raw.Modalities.Input) || hasImageModality(raw.Modalities.Output)
	}

	if raw.Limit != nil && raw.Limit.Context != nil {
		info.ContextWindow = *raw.Limit.Context
	}
	if raw.Limit != nil {
		switch {
		case raw.Limit.Output != nil:
			info.MaxTokens = types.IntPtr(*raw.Limit.Output)
		case raw.Limit.Context != nil:
			info.MaxTokens = types.IntPtr(*raw.Limit.Context)
		}
	}

	info.SupportsPromptCache = raw.SupportsPromptCache ||
		(raw.Cost != nil && (raw.Cost.CacheWrite != nil || raw.Cost.CacheRead != nil)) ||
		raw.Attachment

	if raw.Temperature != nil {
		info.SupportsTemperature = *raw.Temperature
	}

	info.SupportsReasoningBudget = raw.Reasoning
	// 厂商侧把 reasoning 必选与 attachment 耦合在一起，按观测到的行为
	// 原样保留，不另行推导。
	if raw.Reasoning {
		info.RequiredReasoningBudget = raw.Attachment
	}

	if raw.Cost != nil {
		if raw.Cost.Input != nil {
			info.InputPrice = *raw.Cost.Input
		}
		if raw.Cost.Output != nil {
			info.OutputPrice = *raw.Cost.Output
		}
		if raw.Cost.CacheRead != nil {
			info.CacheReadsPrice = types.Float64Ptr(*raw.Cost.CacheRead)
		}
		if raw.Cost.CacheWrite != nil {
			info.CacheWritesPrice = types.Float64Ptr(*raw.Cost.CacheWrite)
		}
	}

	switch {
	case raw.Description != "":
		info.Description = raw.Description
	case raw.Name != "":
		info.Description = raw.Name
	}

	info.DisplayName = firstNonEmpty(raw.Name, raw.DisplayName, raw.ID, modelID)
	return info
}

func hasImageModality(modalities []string) bool {
	for _, m := range modalities {
		if strings.EqualFold(m, "image") {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mapModels(models map[string]rawModel) map[string]types.ModelInfo {
	out := make(map[string]types.ModelInfo, len(models))
	for id, raw := range models {
		out[id] = toModelInfo(id, raw)
	}
	return out
}
