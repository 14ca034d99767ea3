package types

// 价格均以每百万 token 计。

func costInternal(info ModelInfo, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int) float64 {
	cost := info.InputPrice * float64(inputTokens) / 1_000_000
	cost += info.OutputPrice * float64(outputTokens) / 1_000_000
	if info.CacheWritesPrice != nil {
		cost += *info.CacheWritesPrice * float64(cacheWriteTokens) / 1_000_000
	}
	if info.CacheReadsPrice != nil {
		cost += *info.CacheReadsPrice * float64(cacheReadTokens) / 1_000_000
	}
	return cost
}

// CostOpenAI OpenAI 风格计价：usage 里的 inputTokens 已包含缓存部分，
// 计算时先剥离缓存读写 token。
func CostOpenAI(info ModelInfo, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int) float64 {
	nonCached := inputTokens - cacheWriteTokens - cacheReadTokens
	if nonCached < 0 {
		nonCached = 0
	}
	return costInternal(info, nonCached, outputTokens, cacheWriteTokens, cacheReadTokens)
}

// CostAnthropic Anthropic 风格计价：usage 里的 input_tokens 不含缓存部分
func CostAnthropic(info ModelInfo, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int) float64 {
	return costInternal(info, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens)
}
