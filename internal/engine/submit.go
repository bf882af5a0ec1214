package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/apiclient"
	"github.com/agentworkforce/spotsync/internal/cache"
	"github.com/agentworkforce/spotsync/internal/model"
	"github.com/agentworkforce/spotsync/internal/mutation"
)

// Result is the outcome of a write the caller does not have to treat as an
// error: either the server accepted it or it was queued for sync.
type Result struct {
	Queued     bool
	MutationID string
	Data       json.RawMessage
}

// plan is the optimistic side of one operation.
type plan struct {
	key     model.Key
	update  cache.UpdateFunc
	options cache.MutateOptions
}

// Submit issues op with an optimistic cache update. A transient failure is
// rolled back and queued and reported as Result.Queued; permanent and
// unauthenticated failures are returned and never queued.
func (e *Engine) Submit(ctx context.Context, op mutation.Operation) (Result, error) {
	enc, err := mutation.Encode(op)
	if err != nil {
		return Result{}, apiclient.ErrPermanent.Wrap(err)
	}
	p := e.planFor(op)

	data, err := e.cache.Mutate(ctx, p.key, p.update, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := e.api.Call(ctx, enc.Method, enc.Endpoint, enc.Body)
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	}, p.options)
	if err == nil {
		if _, ok := op.(mutation.CreateSpot); ok {
			e.placeCreatedSpot(ctx, data)
		}
		return Result{Data: data}, nil
	}
	if ctx.Err() != nil || cache.Error.Has(err) {
		return Result{}, err
	}

	class := apiclient.Classify(err)
	if class != apiclient.Transient {
		e.log.Info("write rejected",
			zap.String("type", string(enc.Type)),
			zap.String("endpoint", enc.Endpoint),
			zap.Stringer("classification", class),
			zap.Error(err),
		)
		return Result{}, err
	}

	m, qerr := e.queue.Enqueue(ctx, enc)
	if qerr != nil {
		return Result{}, Error.Wrap(qerr)
	}
	e.log.Debug("write queued after transient failure", zap.String("mutation_id", m.ID), zap.Error(err))
	return Result{Queued: true, MutationID: m.ID}, nil
}

func (e *Engine) CreateSpot(ctx context.Context, name string, lat, lng float64) (Result, error) {
	return e.Submit(ctx, mutation.CreateSpot{Name: name, Lat: lat, Lng: lng})
}

type ConditionInput struct {
	WaveHeight    *float64
	WindSpeed     *float64
	WindDirection *int
}

func (e *Engine) ReportCondition(ctx context.Context, spotID string, in ConditionInput) (Result, error) {
	return e.Submit(ctx, mutation.CreateCondition{
		SpotID:        spotID,
		WaveHeight:    in.WaveHeight,
		WindSpeed:     in.WindSpeed,
		WindDirection: in.WindDirection,
	})
}

func (e *Engine) ConfirmCondition(ctx context.Context, spotID, conditionID string) (Result, error) {
	return e.Submit(ctx, mutation.ConfirmCondition{SpotID: spotID, ConditionID: conditionID})
}

func (e *Engine) CreateSession(ctx context.Context, spotID string, kind mutation.SessionKind, sport model.SportType, scheduledAt time.Time) (Result, error) {
	op := mutation.CreateSession{SpotID: spotID, Kind: kind, SportType: sport}
	if !scheduledAt.IsZero() {
		op.ScheduledAt = scheduledAt.UTC().Format(time.RFC3339)
	}
	return e.Submit(ctx, op)
}

func (e *Engine) LeaveSession(ctx context.Context, spotID, sessionID string) (Result, error) {
	return e.Submit(ctx, mutation.LeaveSession{SpotID: spotID, SessionID: sessionID})
}

func (e *Engine) UpdateWiki(ctx context.Context, spotID, content string) (Result, error) {
	return e.Submit(ctx, mutation.UpdateWiki{SpotID: spotID, Content: content})
}

func (e *Engine) planFor(op mutation.Operation) plan {
	now := e.now().UTC()
	switch op := op.(type) {
	case mutation.CreateSpot:
		optimisticID := model.OptimisticIDPrefix + uuid.NewString()
		return plan{
			key: model.SpotsKey(),
			update: cache.Update(func(spots []model.Spot, exists bool) ([]model.Spot, bool) {
				if !exists {
					return nil, false
				}
				return append(spots, model.Spot{
					ID:        optimisticID,
					Name:      op.Name,
					Latitude:  op.Lat,
					Longitude: op.Lng,
					CreatedAt: now,
				}), true
			}),
			options: cache.MutateOptions{
				Reconcile: cache.Reconcile(func(spots []model.Spot, server model.Spot) []model.Spot {
					return replaceSpot(spots, optimisticID, server)
				}),
			},
		}

	case mutation.CreateCondition:
		optimisticID := model.OptimisticIDPrefix + uuid.NewString()
		return plan{
			key: model.ConditionsKey(op.SpotID),
			update: cache.Update(func(reports []model.ConditionReport, exists bool) ([]model.ConditionReport, bool) {
				if !exists {
					return nil, false
				}
				report := model.ConditionReport{
					ID:            optimisticID,
					SpotID:        op.SpotID,
					WaveHeight:    op.WaveHeight,
					WindSpeed:     op.WindSpeed,
					WindDirection: op.WindDirection,
					CreatedAt:     now,
					Reporter:      e.currentUserRef(),
				}
				return append([]model.ConditionReport{report}, reports...), true
			}),
			options: cache.MutateOptions{
				Invalidate: []model.Key{model.ConditionsKey(op.SpotID), model.SpotKey(op.SpotID), model.SpotsKey()},
			},
		}

	case mutation.ConfirmCondition:
		return plan{
			key: model.ConditionsKey(op.SpotID),
			update: cache.Update(func(reports []model.ConditionReport, exists bool) ([]model.ConditionReport, bool) {
				for i := range reports {
					if reports[i].ID == op.ConditionID {
						reports[i].ConfirmCount++
						reports[i].HasConfirmed = true
						return reports, true
					}
				}
				return nil, false
			}),
			options: cache.MutateOptions{
				Invalidate: []model.Key{model.ConditionsKey(op.SpotID)},
			},
		}

	case mutation.CreateSession:
		optimisticID := model.OptimisticIDPrefix + uuid.NewString()
		scheduled := now
		if op.ScheduledAt != "" {
			if parsed, err := time.Parse(time.RFC3339, op.ScheduledAt); err == nil {
				scheduled = parsed
			}
		}
		return plan{
			key: model.SessionsKey(op.SpotID),
			update: cache.Update(func(result model.SessionsResult, exists bool) (model.SessionsResult, bool) {
				if !exists {
					return result, false
				}
				session := model.Session{
					ID:          optimisticID,
					SpotID:      op.SpotID,
					Type:        op.Kind.SessionType(),
					SportType:   op.SportType,
					ScheduledAt: scheduled,
					CreatedAt:   now,
					IsOwn:       true,
				}
				if user := e.currentUserRef(); user != nil {
					session.User = *user
				}
				result.Sessions = append(result.Sessions, session)
				result.SessionCount++
				return result, true
			}),
			options: cache.MutateOptions{
				Invalidate: []model.Key{model.SessionsKey(op.SpotID), model.SpotKey(op.SpotID), model.SpotsKey()},
			},
		}

	case mutation.LeaveSession:
		return plan{
			key: model.SessionsKey(op.SpotID),
			update: cache.Update(func(result model.SessionsResult, exists bool) (model.SessionsResult, bool) {
				kept := result.Sessions[:0]
				removed := false
				for _, s := range result.Sessions {
					if s.ID == op.SessionID {
						removed = true
						continue
					}
					kept = append(kept, s)
				}
				if !removed {
					return result, false
				}
				result.Sessions = kept
				if result.SessionCount > 0 {
					result.SessionCount--
				}
				return result, true
			}),
			options: cache.MutateOptions{
				Invalidate: []model.Key{model.SessionsKey(op.SpotID), model.SpotKey(op.SpotID), model.SpotsKey()},
			},
		}

	case mutation.UpdateWiki:
		return plan{
			key: model.WikiKey(op.SpotID),
			update: cache.Update(func(wiki model.WikiContent, exists bool) (model.WikiContent, bool) {
				wiki.Content = op.Content
				wiki.UpdatedAt = now
				return wiki, true
			}),
			options: cache.MutateOptions{
				Invalidate: []model.Key{model.WikiKey(op.SpotID)},
			},
		}
	}
	return plan{key: model.NewKey("unplanned", string(op.Type()))}
}

func (e *Engine) currentUserRef() *model.UserRef {
	user := e.session.Current().User
	if user == nil {
		return nil
	}
	return &model.UserRef{ID: user.ID, Username: user.Username}
}

// replaceSpot swaps the optimistic entry for the server one, or appends the
// server spot when the optimistic entry is gone.
func replaceSpot(spots []model.Spot, optimisticID string, server model.Spot) []model.Spot {
	if server.ID == "" {
		return spots
	}
	out := make([]model.Spot, 0, len(spots)+1)
	seen := false
	for _, s := range spots {
		switch s.ID {
		case optimisticID:
			if !seen {
				out = append(out, server)
				seen = true
			}
		case server.ID:
			if !seen {
				out = append(out, server)
				seen = true
			}
		default:
			out = append(out, s)
		}
	}
	if !seen {
		out = append(out, server)
	}
	return out
}
