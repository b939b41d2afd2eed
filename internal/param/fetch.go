package param

import (
	"context"
	"fmt"
)

type Fetcher interface {
	Fetch(context.Context, string) (string, error)
	FetchAll(context.Context, string) ([]string, error)
}

// Resolve returns value when set, otherwise the parameter stored at path.
// Both empty resolves to "".
func Resolve(ctx context.Context, f Fetcher, value, path string) (string, error) {
	if value != "" || path == "" {
		return value, nil
	}
	if f == nil {
		return "", fmt.Errorf("parameter %s: no fetcher configured", path)
	}
	v, err := f.Fetch(ctx, path)
	if err != nil {
		return "", fmt.Errorf("parameter %s: %w", path, err)
	}
	return v, nil
}

// ResolveAll is Resolve for lists.
func ResolveAll(ctx context.Context, f Fetcher, values []string, path string) ([]string, error) {
	if len(values) > 0 || path == "" {
		return values, nil
	}
	if f == nil {
		return nil, fmt.Errorf("parameters %s: no fetcher configured", path)
	}
	vs, err := f.FetchAll(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("parameters %s: %w", path, err)
	}
	return vs, nil
}
