package registry

import (
	"fmt"
	"sync"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
)

var (
	mu       sync.RWMutex
	handlers = make(map[string]types.Handler)
	aliases  = make(map[string]string) // alias -> real name
)

// Register 注册 Handler（支持别名）
func Register(name string, handler types.Handler, aliasNames ...string) {
	mu.Lock()
	defer mu.Unlock()

	handlers[name] = handler

	for _, alias := range aliasNames {
		aliases[alias] = name
	}
}

// Get 获取 Handler（支持别名）
func Get(nameOrAlias string) (types.Handler, error) {
	mu.RLock()
	defer mu.RUnlock()

	realName := resolveAliasLocked(nameOrAlias)

	handler, ok := handlers[realName]
	if !ok {
		return nil, fmt.Errorf("provider %s not found", nameOrAlias)
	}
	return handler, nil
}

// ResolveAlias 解析别名为真实名称（公开方法）
func ResolveAlias(nameOrAlias string) string {
	mu.RLock()
	defer mu.RUnlock()
	return resolveAliasLocked(nameOrAlias)
}

// resolveAliasLocked 解析别名（内部方法，不加锁）
func resolveAliasLocked(nameOrAlias string) string {
	if realName, ok := aliases[nameOrAlias]; ok {
		return realName
	}
	return nameOrAlias
}

// IsAlias 检查是否为别名
func IsAlias(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := aliases[name]
	return ok
}

// GetAliases 获取指定 Handler 的所有别名
func GetAliases(name string) []string {
	mu.RLock()
	defer mu.RUnlock()

	result := []string{}
	for alias, realName := range aliases {
		if realName == name {
			result = append(result, alias)
		}
	}
	return result
}

// List 列出所有 Handler 名称（不包括别名）
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	return names
}

// ListAll 列出所有名称（包括别名）
func ListAll() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(handlers)+len(aliases))
	for name := range handlers {
		names = append(names, name)
	}
	for alias := range aliases {
		names = append(names, alias)
	}
	return names
}

// Unregister 注销 Handler（同时删除别名）
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(handlers, name)

	for alias, realName := range aliases {
		if realName == name {
			delete(aliases, alias)
		}
	}
}

// UnregisterAlias 仅注销别名
func UnregisterAlias(alias string) {
	mu.Lock()
	defer mu.Unlock()
	delete(aliases, alias)
}

// Clear 清空所有 Handler 和别名
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	handlers = make(map[string]types.Handler)
	aliases = make(map[string]string)
}
