package realtime

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/model"
)

// ProtocolVersion identifies the event set Invalidator understands.
const ProtocolVersion = 1

const (
	EventConditionNew       = "condition:new"
	EventConditionConfirmed = "condition:confirmed"
	EventSessionJoined      = "session:joined"
	EventSessionLeft        = "session:left"
	EventSessionExpired     = "session:expired"
	EventSpotCreated        = "spot:created"
	EventSpotUpdated        = "spot:updated"
	EventSpotDeleted        = "spot:deleted"
	EventModerationAction   = "moderation:action"
)

// Events lists every event of the protocol.
var Events = []string{
	EventConditionNew,
	EventConditionConfirmed,
	EventSessionJoined,
	EventSessionLeft,
	EventSessionExpired,
	EventSpotCreated,
	EventSpotUpdated,
	EventSpotDeleted,
	EventModerationAction,
}

// Target is what the invalidator marks stale.
type Target interface {
	Invalidate(key model.Key)
	InvalidatePrefix(prefix model.Key)
}

// Invalidator turns server events into cache invalidations. It never
// writes event payloads into the cache; refetching is the only path to
// server-confirmed state.
type Invalidator struct {
	target Target
	log    *zap.Logger
}

func NewInvalidator(target Target, log *zap.Logger) *Invalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invalidator{target: target, log: log}
}

// Attach subscribes to every protocol event on ch and returns a func that
// detaches again.
func (inv *Invalidator) Attach(ch *Channel) func() {
	cancels := make([]func(), 0, len(Events))
	for _, event := range Events {
		cancels = append(cancels, ch.OnEvent(event, inv.Handle))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

type eventPayload struct {
	SpotID string `json:"spotId"`
	Spot   *struct {
		ID string `json:"id"`
	} `json:"spot"`
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Action     string `json:"action"`
}

func (inv *Invalidator) Handle(frame Frame) {
	var p eventPayload
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			inv.log.Debug("ignoring malformed event", zap.String("event", frame.Event), zap.Error(err))
			return
		}
	}
	spotID := p.SpotID
	if spotID == "" && p.Spot != nil {
		spotID = p.Spot.ID
	}

	switch frame.Event {
	case EventConditionNew:
		if spotID == "" {
			return
		}
		inv.target.Invalidate(model.ConditionsKey(spotID))
		inv.target.Invalidate(model.SpotKey(spotID))
		inv.target.InvalidatePrefix(model.SpotsKey())
	case EventConditionConfirmed:
		if spotID == "" {
			return
		}
		inv.target.Invalidate(model.ConditionsKey(spotID))
	case EventSessionJoined, EventSessionLeft, EventSessionExpired:
		if spotID == "" {
			return
		}
		inv.target.Invalidate(model.SessionsKey(spotID))
		inv.target.Invalidate(model.SpotKey(spotID))
		inv.target.InvalidatePrefix(model.SpotsKey())
	case EventSpotCreated:
		inv.target.InvalidatePrefix(model.SpotsKey())
	case EventSpotUpdated:
		inv.target.InvalidatePrefix(model.SpotsKey())
		if spotID != "" {
			inv.target.InvalidatePrefix(model.SpotKey(spotID))
		}
	case EventSpotDeleted:
		inv.invalidateSpot(spotID)
	case EventModerationAction:
		switch p.TargetType {
		case "SPOT":
			inv.invalidateSpot(p.TargetID)
		case "WIKI":
			// The target is the wiki page id, which is not a cache key.
			inv.target.InvalidatePrefix(model.NewKey("wiki"))
		}
	default:
		return
	}
	inv.log.Debug("event invalidated cache", zap.String("event", frame.Event), zap.String("spot_id", spotID))
}

func (inv *Invalidator) invalidateSpot(spotID string) {
	inv.target.InvalidatePrefix(model.SpotsKey())
	if spotID == "" {
		return
	}
	inv.target.InvalidatePrefix(model.SpotKey(spotID))
	inv.target.Invalidate(model.WikiKey(spotID))
}
