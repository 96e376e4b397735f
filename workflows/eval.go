package workflows

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// evalCache compiles condition and success-predicate expressions once and
// reuses the programs across submissions.
type evalCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newEvalCache() *evalCache {
	return &evalCache{programs: make(map[string]*vm.Program)}
}

func (c *evalCache) program(src string) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	c.mu.Lock()
	c.programs[src] = p
	c.mu.Unlock()
	return p, nil
}

// evalString runs src against env and expects a string result, used for
// branch selection.
func (c *evalCache) evalString(src string, env map[string]interface{}) (string, error) {
	p, err := c.program(src)
	if err != nil {
		return "", err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", src, err)
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("evaluator %q returned %T, want string", src, out)
	}
	return s, nil
}

// evalBool runs src against env and expects a boolean result, used for
// iteration success predicates.
func (c *evalCache) evalBool(src string, env map[string]interface{}) (bool, error) {
	p, err := c.program(src)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", src, out)
	}
	return b, nil
}
