package cache

import "encoding/json"

// Update adapts a typed update to an UpdateFunc. fn reports whether it
// changed the value; an entry that does not exist decodes as the zero T.
func Update[T any](fn func(current T, exists bool) (T, bool)) UpdateFunc {
	return func(raw json.RawMessage, exists bool) (json.RawMessage, error) {
		var current T
		if exists && len(raw) > 0 {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, err
			}
		}
		next, changed := fn(current, exists)
		if !changed {
			return nil, nil
		}
		return json.Marshal(next)
	}
}

// Reconcile adapts a typed reconcile step. server is the decoded request
// data.
func Reconcile[T, S any](fn func(current T, server S) T) ReconcileFunc {
	return func(currentRaw, serverRaw json.RawMessage) (json.RawMessage, error) {
		var current T
		if len(currentRaw) > 0 {
			if err := json.Unmarshal(currentRaw, &current); err != nil {
				return nil, err
			}
		}
		var server S
		if len(serverRaw) > 0 {
			if err := json.Unmarshal(serverRaw, &server); err != nil {
				return nil, err
			}
		}
		return json.Marshal(fn(current, server))
	}
}

// Decode unmarshals a cached value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, Error.Wrap(err)
}
