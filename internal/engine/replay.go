package engine

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/apiclient"
	"github.com/agentworkforce/spotsync/internal/cache"
	"github.com/agentworkforce/spotsync/internal/model"
	"github.com/agentworkforce/spotsync/internal/mutation"
	"github.com/agentworkforce/spotsync/internal/queue"
)

// replay sends a queued mutation exactly as it was stored. On success the
// server result is folded into the cache; the optimistic value from the
// original attempt was rolled back when it was queued.
func (e *Engine) replay(ctx context.Context, m queue.QueuedMutation) error {
	op, err := mutation.Decode(m.OperationType, m.Endpoint, m.Body)
	if err != nil {
		return apiclient.ErrPermanent.Wrap(err)
	}
	resp, err := e.api.Call(ctx, m.Method, m.Endpoint, m.Body)
	if err != nil {
		return err
	}

	if _, ok := op.(mutation.CreateSpot); ok {
		e.placeCreatedSpot(ctx, resp.Data)
		return nil
	}
	p := e.planFor(op)
	e.cache.InvalidatePrefix(p.key)
	for _, key := range p.options.Invalidate {
		e.cache.InvalidatePrefix(key)
	}
	return nil
}

// placeCreatedSpot adds a server-confirmed spot to every cached spot list
// that should show it: the unbounded list and each viewport containing it.
func (e *Engine) placeCreatedSpot(ctx context.Context, data json.RawMessage) {
	var spot model.Spot
	if err := json.Unmarshal(data, &spot); err != nil || spot.ID == "" {
		e.cache.InvalidatePrefix(model.SpotsKey())
		return
	}
	for _, key := range e.cache.Keys() {
		if !key.HasPrefix(model.SpotsKey()) {
			continue
		}
		if key != model.SpotsKey() {
			vp, err := ParseViewport(strings.TrimPrefix(key.String(), model.SpotsKey().String()+"/"))
			if err != nil || !vp.contains(spot) {
				continue
			}
		}
		err := e.cache.Apply(ctx, key, cache.Update(func(spots []model.Spot, exists bool) ([]model.Spot, bool) {
			if !exists {
				return nil, false
			}
			return replaceSpot(spots, "", spot), true
		}))
		if err != nil {
			e.log.Debug("place created spot failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
}
