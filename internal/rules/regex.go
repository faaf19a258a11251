package rules

import (
	"regexp"
	"sync"
)

// regexCache 缓存编译结果，编译失败同样缓存，避免对无效规则反复编译
var regexCache = &reCache{entries: make(map[string]reEntry)}

const maxCachedPatterns = 1024

type reEntry struct {
	re  *regexp.Regexp
	err error
}

type reCache struct {
	mu      sync.RWMutex
	entries map[string]reEntry
}

// Get 获取已编译的正则
func (c *reCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	e, ok := c.entries[pattern]
	c.mu.RUnlock()
	if ok {
		return e.re, e.err
	}

	re, err := regexp.Compile(pattern)
	c.mu.Lock()
	if len(c.entries) >= maxCachedPatterns {
		// 规则集整体替换时旧模式失效，直接清空即可
		c.entries = make(map[string]reEntry)
	}
	c.entries[pattern] = reEntry{re: re, err: err}
	c.mu.Unlock()
	return re, err
}
