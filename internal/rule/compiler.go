package rule

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled expressions a Compiler keeps.
const DefaultCacheSize = 256

// Compiler compiles expressions and memoizes the results. Compiled rules are
// immutable, so one Rule may back classes in any number of tables.
type Compiler struct {
	cache *lru.Cache[string, Rule]
}

// NewCompiler creates a Compiler holding at most size compiled rules.
func NewCompiler(size int) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Rule](size)
	if err != nil {
		return nil, err
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the cached rule for expr or compiles it. Failed
// compilations are not cached.
func (c *Compiler) Compile(expr string) (Rule, error) {
	key := strings.TrimSpace(expr)
	if r, ok := c.cache.Get(key); ok {
		return r, nil
	}
	r, err := Compile(key)
	if err != nil {
		return Rule{}, err
	}
	c.cache.Add(key, r)
	return r, nil
}

// Len returns the number of cached rules.
func (c *Compiler) Len() int {
	return c.cache.Len()
}
