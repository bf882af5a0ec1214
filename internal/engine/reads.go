package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentworkforce/spotsync/internal/cache"
	"github.com/agentworkforce/spotsync/internal/model"
)

// Viewport bounds a spot list query.
type Viewport struct {
	SWLat, SWLng, NELat, NELng float64
}

func (v Viewport) String() string {
	parts := []float64{v.SWLat, v.SWLng, v.NELat, v.NELng}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strconv.FormatFloat(p, 'f', -1, 64)
	}
	return strings.Join(out, ",")
}

// ParseViewport reads "swLat,swLng,neLat,neLng".
func ParseViewport(raw string) (Viewport, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return Viewport{}, Error.New("viewport must be 4 comma-separated numbers: swLat,swLng,neLat,neLng")
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Viewport{}, Error.New("viewport: %v", err)
		}
		values[i] = v
	}
	return Viewport{SWLat: values[0], SWLng: values[1], NELat: values[2], NELng: values[3]}, nil
}

func (v Viewport) contains(s model.Spot) bool {
	return s.Latitude >= v.SWLat && s.Latitude <= v.NELat && s.Longitude >= v.SWLng && s.Longitude <= v.NELng
}

// Spots lists the spots inside vp. A nil viewport reads the unbounded list,
// which is also where optimistic creations appear.
func (e *Engine) Spots(ctx context.Context, vp *Viewport) ([]model.Spot, error) {
	key := model.SpotsKey()
	path := "/spots"
	if vp != nil {
		key = model.NewKey("spots", vp.String())
		path += "?viewport=" + url.QueryEscape(vp.String())
	}
	raw, err := e.fetch(ctx, key, path)
	if err != nil {
		return nil, err
	}
	return cache.Decode[[]model.Spot](raw)
}

// Spot finds a spot in the cached lists. It never goes to the network.
func (e *Engine) Spot(spotID string) (model.Spot, bool) {
	for _, key := range e.cache.Keys() {
		if !key.HasPrefix(model.SpotsKey()) {
			continue
		}
		entry, ok := e.cache.Get(key)
		if !ok {
			continue
		}
		spots, err := cache.Decode[[]model.Spot](entry.Value)
		if err != nil {
			continue
		}
		for _, s := range spots {
			if s.ID == spotID {
				return s, true
			}
		}
	}
	return model.Spot{}, false
}

func (e *Engine) Conditions(ctx context.Context, spotID string) ([]model.ConditionReport, error) {
	raw, err := e.fetch(ctx, model.ConditionsKey(spotID), "/spots/"+url.PathEscape(spotID)+"/conditions")
	if err != nil {
		return nil, err
	}
	return cache.Decode[[]model.ConditionReport](raw)
}

// Sessions returns the sessions at a spot. Anonymous callers only get a
// count from the server; the result then has no sessions.
func (e *Engine) Sessions(ctx context.Context, spotID string) (model.SessionsResult, error) {
	raw, err := e.cache.Fetch(ctx, model.SessionsKey(spotID), func(ctx context.Context) (json.RawMessage, error) {
		resp, err := e.api.Get(ctx, "/spots/"+url.PathEscape(spotID)+"/sessions")
		if err != nil {
			return nil, err
		}
		result, err := normalizeSessions(resp.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return model.SessionsResult{}, err
	}
	return cache.Decode[model.SessionsResult](raw)
}

func (e *Engine) Wiki(ctx context.Context, spotID string) (model.WikiContent, error) {
	raw, err := e.fetch(ctx, model.WikiKey(spotID), "/spots/"+url.PathEscape(spotID)+"/wiki")
	if err != nil {
		return model.WikiContent{}, err
	}
	return cache.Decode[model.WikiContent](raw)
}

func (e *Engine) fetch(ctx context.Context, key model.Key, path string) (json.RawMessage, error) {
	return e.cache.Fetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := e.api.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
}

func normalizeSessions(data json.RawMessage) (model.SessionsResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return model.SessionsResult{Sessions: []model.Session{}}, nil
	}
	if trimmed[0] == '[' {
		var sessions []model.Session
		if err := json.Unmarshal(trimmed, &sessions); err != nil {
			return model.SessionsResult{}, Error.Wrap(err)
		}
		return model.SessionsResult{Sessions: sessions, SessionCount: len(sessions)}, nil
	}
	var counted struct {
		SessionCount int `json:"sessionCount"`
	}
	if err := json.Unmarshal(trimmed, &counted); err != nil {
		return model.SessionsResult{}, Error.New("unexpected sessions payload: %v", err)
	}
	return model.SessionsResult{Sessions: []model.Session{}, SessionCount: counted.SessionCount}, nil
}

