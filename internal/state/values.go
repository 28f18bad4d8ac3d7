package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// Int64 reads key as an integer, returning def when the key is absent.
func Int64(ctx context.Context, st Store, key string, def int64) (int64, error) {
	var v int64
	ok, err := getJSON(ctx, st, key, &v)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// Bool reads key as a boolean, returning def when the key is absent.
func Bool(ctx context.Context, st Store, key string, def bool) (bool, error) {
	var v bool
	ok, err := getJSON(ctx, st, key, &v)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

func SetInt64(ctx context.Context, st Store, key string, v int64) error {
	return setJSON(ctx, st, key, v)
}

func SetBool(ctx context.Context, st Store, key string, v bool) error {
	return setJSON(ctx, st, key, v)
}

func getJSON(ctx context.Context, st Store, key string, out any) (bool, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("state get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, st Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state encode %s: %w", key, err)
	}
	if err := st.Set(ctx, key, b); err != nil {
		return fmt.Errorf("state set %s: %w", key, err)
	}
	return nil
}
