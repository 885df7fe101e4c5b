package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/warekit/procflow/pkg/schema"
)

// Transformer renders notification and integration payload templates by
// running jq expressions over workflow data.
// Thread-safe: compiled *gojq.Code objects are cached and reused across goroutines.
type Transformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformer creates a new jq payload transformer.
func NewTransformer() *Transformer {
	return &Transformer{
		cache: make(map[string]*gojq.Code),
	}
}

// Render compiles (or retrieves from cache) a jq expression and runs it over
// the data. jq expressions can produce multiple outputs: exactly one output
// is returned directly, several are collected into a []any.
func (t *Transformer) Render(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq template")
	}

	code, err := t.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq template failed for %q: %s", expression, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (t *Transformer) getOrCompile(expression string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := t.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	t.cache[expression] = code
	return code, nil
}
