package hvapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Method names the charger speaks on the sync channel. The response to
// a request never echoes its method; it is recovered via the id.
const (
	MethodLogin           = "login"
	MethodSyncSnapshot    = "sync.snapshot"
	MethodSyncApply       = "sync.apply"
	MethodGetSession      = "get.session"
	MethodSchedulesGet    = "schedules.get"
	MethodScheduleSet     = "schedule.set"
	MethodPilotStatus     = "get.pilot_status"
	MethodFirmwareVersion = "firmware.version"
	MethodGetName         = "get.name"
	MethodSetName         = "set.name"
	MethodPlugNChargeGet  = "plugncharge.get"
)

// PushKind is a closed classification of server-originated methods.
// Anything the client does not understand maps to PushUnknown and is
// ignored, so new backend methods can never mis-route or crash us.
type PushKind int

const (
	PushUnknown PushKind = iota
	PushStateApply
	PushSessionUpdate
	PushScheduleUpdate
	PushPilotStatus
)

// KindOfMethod classifies a method name from an unsolicited push or a
// recovered request method.
func KindOfMethod(method string) PushKind {
	switch method {
	case MethodSyncSnapshot, MethodSyncApply:
		return PushStateApply
	case MethodGetSession:
		return PushSessionUpdate
	case MethodSchedulesGet, MethodScheduleSet:
		return PushScheduleUpdate
	case MethodPilotStatus:
		return PushPilotStatus
	default:
		return PushUnknown
	}
}

// Request is one outgoing frame: {"id": ..., "method": ..., "params": ...}.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Frame is one decoded inbound frame. Responses carry an ID and no
// method; pushes carry a method and no ID. Payload is the result or
// params member, left raw because its shape depends on the method.
type Frame struct {
	ID      string
	Method  string
	Payload json.RawMessage
	Err     *WireError
}

// IsResponse reports whether the frame correlates to a sent request.
func (f Frame) IsResponse() bool {
	return f.ID != ""
}

type frameEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *WireError      `json:"error"`
}

// DecodeFrame parses one raw frame from a channel. The backend sends
// ids as strings or bare numbers depending on what we sent, so both
// are normalized to strings here.
func DecodeFrame(raw []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}

	frame := Frame{Method: env.Method, Err: env.Error}
	if len(env.Result) > 0 {
		frame.Payload = env.Result
	} else if len(env.Params) > 0 {
		frame.Payload = env.Params
	}
	if len(env.ID) > 0 {
		var asString string
		if err := json.Unmarshal(env.ID, &asString); err == nil {
			frame.ID = asString
		} else {
			var asNumber json.Number
			if err := json.Unmarshal(env.ID, &asNumber); err != nil {
				return Frame{}, fmt.Errorf("frame id is neither string nor number: %s", env.ID)
			}
			frame.ID = asNumber.String()
		}
	}
	return frame, nil
}

// LoginParams authenticates the sync channel after connecting.
type LoginParams struct {
	Token   string `json:"token"`
	Version int    `json:"version"`
}

// LoginResult is the body of a login response.
type LoginResult struct {
	Authenticated bool `json:"authenticated"`
}

// ScheduleSetParams commits a generation 3 schedule over the sync channel.
type ScheduleSetParams struct {
	Enabled   bool              `json:"enabled"`
	IsDefault bool              `json:"is_default"`
	Type      string            `json:"type"`
	Sessions  []ScheduleSession `json:"sessions"`
}

// ScheduleSession is one generation 3 schedule entry on the wire.
type ScheduleSession struct {
	SessionType string   `json:"session_type"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Mode        string   `json:"mode"`
	Days        []string `json:"days"`
}

// SessionFields is the incremental session payload. Pointer fields keep
// absent keys distinguishable from zero values so partial updates never
// clobber the snapshot.
type SessionFields struct {
	Charging         *bool    `json:"charging"`
	Session          *int64   `json:"session"`
	WattHours        *float64 `json:"watt_hours"`
	CarbonSavedGrams *float64 `json:"carbon_saved_grams"`
	TrueMilliAmps    *float64 `json:"true_milli_amps"`
	CTCurrent        *float64 `json:"ct_current"`
	CTPower          *float64 `json:"ct_power"`
	Voltage          *float64 `json:"voltage"`
	EVPower          *float64 `json:"ev_power"`
	HousePower       *float64 `json:"house_power"`
	GridPower        *float64 `json:"grid_power"`
	GenerationPower  *float64 `json:"generation_power"`
}

// SyncFields is one element of a sync.snapshot / sync.apply payload.
type SyncFields struct {
	Brightness   *float64 `json:"brightness"`
	LockState    *string  `json:"lock_state"`
	MaxCurrent   *int     `json:"max_current"`
	SolarMode    *string  `json:"solar_mode"`
	ReleaseState *string  `json:"release_state"`
}

// ScheduleDocument is the payload of schedules.get / schedule.set
// responses: the applied schedule as the charger sees it.
type ScheduleDocument struct {
	Applied *ScheduleBody `json:"applied"`
}

type ScheduleBody struct {
	Enabled  *bool             `json:"enabled"`
	Type     string            `json:"type"`
	Sessions []ScheduleSession `json:"sessions"`
}

// PilotStatusFields carries the SAE J1772 control pilot state:
// A = unplugged, B = plugged in, C = plugged in and charging.
type PilotStatusFields struct {
	PilotStatus string `json:"pilot_status"`
}

// FieldObjects normalizes a payload that is either one object or an
// array of single-field objects into a flat list of raw objects.
func FieldObjects(payload json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{payload}, nil
}

// SyncChannelURL returns the websocket endpoint of the sync channel.
func SyncChannelURL(baseURL, chargerID string) (string, error) {
	return websocketURL(baseURL, "/ws/charger/"+chargerID+"/sync")
}

// SessionChannelURL returns the websocket endpoint of the generation 2
// session/in-progress channel.
func SessionChannelURL(baseURL, chargerID string) (string, error) {
	return websocketURL(baseURL, "/ws/charger/"+chargerID+"/session/in-progress")
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// FirmwareVersionString decodes a firmware.version result, which is a
// bare JSON string like "2483.0".
func FirmwareVersionString(payload json.RawMessage) (string, error) {
	var version string
	if err := json.Unmarshal(payload, &version); err != nil {
		return "", err
	}
	return version, nil
}

func formatID(n uint64) string {
	return strconv.FormatUint(n, 10)
}
