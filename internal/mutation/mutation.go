// Package mutation defines the write operations the sync engine can issue
// or replay. Each variant knows its endpoint, method, label and body.
package mutation

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/zeebo/errs"

	"github.com/agentworkforce/spotsync/internal/model"
)

var (
	Error = errs.Class("mutation")
	// ErrInvalid marks a body or endpoint that can never be sent.
	ErrInvalid = errs.Class("invalid mutation")
)

type Type string

const (
	TypeCreateSpot       Type = "createSpot"
	TypeCreateCondition  Type = "createCondition"
	TypeConfirmCondition Type = "confirmCondition"
	TypeCreateSession    Type = "createSession"
	TypeLeaveSession     Type = "leaveSession"
	TypeUpdateWiki       Type = "updateWiki"
)

type Operation interface {
	Type() Type
	Label() string
	Method() string
	Endpoint() string
	Body() any
}

type CreateSpot struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (CreateSpot) Type() Type       { return TypeCreateSpot }
func (CreateSpot) Label() string    { return "Spot creation" }
func (CreateSpot) Method() string   { return http.MethodPost }
func (CreateSpot) Endpoint() string { return "/spots" }
func (op CreateSpot) Body() any     { return op }

type CreateCondition struct {
	SpotID        string   `json:"-"`
	WaveHeight    *float64 `json:"waveHeight,omitempty"`
	WindSpeed     *float64 `json:"windSpeed,omitempty"`
	WindDirection *int     `json:"windDirection,omitempty"`
}

func (CreateCondition) Type() Type     { return TypeCreateCondition }
func (CreateCondition) Label() string  { return "Condition report" }
func (CreateCondition) Method() string { return http.MethodPost }
func (op CreateCondition) Endpoint() string {
	return "/spots/" + url.PathEscape(op.SpotID) + "/conditions"
}
func (op CreateCondition) Body() any { return op }

type ConfirmCondition struct {
	SpotID      string `json:"-"`
	ConditionID string `json:"-"`
}

func (ConfirmCondition) Type() Type     { return TypeConfirmCondition }
func (ConfirmCondition) Label() string  { return "Condition confirmation" }
func (ConfirmCondition) Method() string { return http.MethodPost }
func (op ConfirmCondition) Endpoint() string {
	return "/spots/" + url.PathEscape(op.SpotID) + "/conditions/" + url.PathEscape(op.ConditionID) + "/confirm"
}
func (ConfirmCondition) Body() any { return struct{}{} }

// SessionKind is the lowercase session type the create endpoint accepts.
type SessionKind string

const (
	SessionKindNow     SessionKind = "now"
	SessionKindPlanned SessionKind = "planned"
)

// SessionType is the server representation of k.
func (k SessionKind) SessionType() model.SessionType {
	if k == SessionKindPlanned {
		return model.SessionPlanned
	}
	return model.SessionNow
}

type CreateSession struct {
	SpotID      string          `json:"-"`
	Kind        SessionKind     `json:"type"`
	SportType   model.SportType `json:"sportType"`
	ScheduledAt string          `json:"scheduledAt,omitempty"`
}

func (CreateSession) Type() Type     { return TypeCreateSession }
func (CreateSession) Label() string  { return "Session" }
func (CreateSession) Method() string { return http.MethodPost }
func (op CreateSession) Endpoint() string {
	return "/spots/" + url.PathEscape(op.SpotID) + "/sessions"
}
func (op CreateSession) Body() any { return op }

type LeaveSession struct {
	SpotID    string `json:"-"`
	SessionID string `json:"-"`
}

func (LeaveSession) Type() Type     { return TypeLeaveSession }
func (LeaveSession) Label() string  { return "Leave session" }
func (LeaveSession) Method() string { return http.MethodDelete }
func (op LeaveSession) Endpoint() string {
	return "/spots/" + url.PathEscape(op.SpotID) + "/sessions/" + url.PathEscape(op.SessionID)
}
func (LeaveSession) Body() any { return nil }

type UpdateWiki struct {
	SpotID  string `json:"-"`
	Content string `json:"content"`
}

func (UpdateWiki) Type() Type     { return TypeUpdateWiki }
func (UpdateWiki) Label() string  { return "Wiki edit" }
func (UpdateWiki) Method() string { return http.MethodPut }
func (op UpdateWiki) Endpoint() string {
	return "/spots/" + url.PathEscape(op.SpotID) + "/wiki"
}
func (op UpdateWiki) Body() any { return op }

// Encoded is the wire form of an operation, as sent live or stored in the
// durable queue.
type Encoded struct {
	Type     Type
	Label    string
	Method   string
	Endpoint string
	Body     json.RawMessage
}

// Encode serializes op and validates its body. An operation that fails
// validation is never sent.
func Encode(op Operation) (Encoded, error) {
	if op == nil {
		return Encoded{}, ErrInvalid.New("nil operation")
	}
	if err := checkIDs(op); err != nil {
		return Encoded{}, err
	}
	var body json.RawMessage
	if raw := op.Body(); raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return Encoded{}, Error.Wrap(err)
		}
		body = data
	}
	if err := Validate(op.Type(), body); err != nil {
		return Encoded{}, err
	}
	return Encoded{
		Type:     op.Type(),
		Label:    op.Label(),
		Method:   op.Method(),
		Endpoint: op.Endpoint(),
		Body:     body,
	}, nil
}

// Decode rebuilds the typed operation from its stored wire form, checking
// the body again so a stored item that no longer validates is rejected.
func Decode(t Type, endpoint string, body json.RawMessage) (Operation, error) {
	if err := Validate(t, body); err != nil {
		return nil, err
	}
	segments, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	var op Operation
	switch t {
	case TypeCreateSpot:
		var v CreateSpot
		if err := matchEndpoint(segments, "spots"); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, ErrInvalid.Wrap(err)
		}
		op = v
	case TypeCreateCondition:
		var v CreateCondition
		if err := matchEndpoint(segments, "spots", "*", "conditions"); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, ErrInvalid.Wrap(err)
		}
		v.SpotID = segments[1]
		op = v
	case TypeConfirmCondition:
		if err := matchEndpoint(segments, "spots", "*", "conditions", "*", "confirm"); err != nil {
			return nil, err
		}
		op = ConfirmCondition{SpotID: segments[1], ConditionID: segments[3]}
	case TypeCreateSession:
		var v CreateSession
		if err := matchEndpoint(segments, "spots", "*", "sessions"); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, ErrInvalid.Wrap(err)
		}
		v.SpotID = segments[1]
		op = v
	case TypeLeaveSession:
		if err := matchEndpoint(segments, "spots", "*", "sessions", "*"); err != nil {
			return nil, err
		}
		op = LeaveSession{SpotID: segments[1], SessionID: segments[3]}
	case TypeUpdateWiki:
		var v UpdateWiki
		if err := matchEndpoint(segments, "spots", "*", "wiki"); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, ErrInvalid.Wrap(err)
		}
		v.SpotID = segments[1]
		op = v
	default:
		return nil, ErrInvalid.New("unknown operation type %q", t)
	}
	return op, nil
}

func checkIDs(op Operation) error {
	ids := map[string]string{}
	switch v := op.(type) {
	case CreateCondition:
		ids["spot id"] = v.SpotID
	case ConfirmCondition:
		ids["spot id"] = v.SpotID
		ids["condition id"] = v.ConditionID
	case CreateSession:
		ids["spot id"] = v.SpotID
	case LeaveSession:
		ids["spot id"] = v.SpotID
		ids["session id"] = v.SessionID
	case UpdateWiki:
		ids["spot id"] = v.SpotID
	}
	for name, id := range ids {
		if strings.TrimSpace(id) == "" {
			return ErrInvalid.New("%s: %s is required", op.Type(), name)
		}
	}
	return nil
}

func splitEndpoint(endpoint string) ([]string, error) {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return nil, ErrInvalid.New("empty endpoint")
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil || unescaped == "" {
			return nil, ErrInvalid.New("malformed endpoint %q", endpoint)
		}
		parts[i] = unescaped
	}
	return parts, nil
}

func matchEndpoint(segments []string, pattern ...string) error {
	if len(segments) != len(pattern) {
		return ErrInvalid.New("endpoint /%s does not match /%s", strings.Join(segments, "/"), strings.Join(pattern, "/"))
	}
	for i, want := range pattern {
		if want != "*" && segments[i] != want {
			return ErrInvalid.New("endpoint /%s does not match /%s", strings.Join(segments, "/"), strings.Join(pattern, "/"))
		}
	}
	return nil
}

func (t Type) String() string { return string(t) }
