package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/lk2023060901/llm-bridge/internal/ai/catalog"
	"github.com/lk2023060901/llm-bridge/internal/conf"
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	manifestURL := flag.String("manifest", "", "厂商清单地址（覆盖配置文件）")
	apiKey := flag.String("api-key", "", "API Key（覆盖配置文件）")
	forceRefresh := flag.Bool("force", false, "跳过缓存强制刷新")
	flag.Parse()

	fmt.Println("🚀 模型目录同步工具启动...")
	fmt.Println()

	var resolverCfg catalog.ResolverConfig

	// 配置文件可选，命令行给定清单地址时可以不带配置
	if cfg, err := conf.LoadConfig(*configPath); err == nil {
		if err := logger.InitGlobal(&logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: "console",
		}); err != nil {
			log.Fatalf("❌ 初始化日志失败: %v", err)
		}
		resolverCfg.ModelsDevURL = cfg.Catalog.ModelsDevURL
		resolverCfg.ManifestCacheTTL = cfg.Catalog.ManifestTTL
		resolverCfg.ModelsCacheTTL = cfg.Catalog.ModelsTTL
		if *manifestURL == "" {
			for _, p := range cfg.Providers {
				if p.ManifestURL != "" {
					*manifestURL = p.ManifestURL
					if *apiKey == "" {
						*apiKey = p.APIKey
					}
					break
				}
			}
		}
	} else if err := logger.InitGlobal(logger.DefaultConfig()); err != nil {
		log.Fatalf("❌ 初始化日志失败: %v", err)
	}
	defer logger.Sync()

	if *manifestURL == "" {
		fmt.Println("❌ 未指定厂商清单地址（-manifest 或配置文件 providers.*.manifest_url）")
		os.Exit(1)
	}

	resolver := catalog.NewResolver(&resolverCfg, logger.L())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	manifest, err := resolver.GetManifest(ctx, *manifestURL, &catalog.ManifestFetchOptions{
		ForceRefresh: *forceRefresh,
	})
	if err != nil {
		log.Fatalf("❌ 拉取清单失败: %v", err)
	}

	fmt.Printf("✅ 清单: %s (%s)\n", manifest.Name, manifest.BaseURL)
	fmt.Println()

	models, err := resolver.GetModels(ctx, &catalog.ModelFetchOptions{
		ManifestURL:  *manifestURL,
		APIKey:       *apiKey,
		ForceRefresh: *forceRefresh,
	})
	if err != nil {
		log.Fatalf("❌ 拉取模型目录失败: %v", err)
	}

	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("📋 共 %d 个模型:\n", len(ids))
	for _, id := range ids {
		info := models[id]
		maxTokens := "-"
		if info.MaxTokens != nil {
			maxTokens = fmt.Sprintf("%d", *info.MaxTokens)
		}
		fmt.Printf("  - %-40s ctx=%-8d max=%-8s images=%-5v cache=%v\n",
			id, info.ContextWindow, maxTokens, info.SupportsImages, info.SupportsPromptCache)
	}

	fmt.Println()
	fmt.Println("✅ 同步完成")
}
