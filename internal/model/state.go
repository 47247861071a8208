package model

import (
	"fmt"
	"strings"
	"time"
)

// LockState mirrors the charger's lock_state wire values.
type LockState string

const (
	LockStateUnlocked    LockState = "unlocked"
	LockStatePendingLock LockState = "pending_lock"
	LockStateLocked      LockState = "locked"
)

// ParseLockState validates a wire or API-supplied lock state.
func ParseLockState(raw string) (LockState, error) {
	switch LockState(strings.ToLower(strings.TrimSpace(raw))) {
	case LockStateUnlocked:
		return LockStateUnlocked, nil
	case LockStatePendingLock:
		return LockStatePendingLock, nil
	case LockStateLocked:
		return LockStateLocked, nil
	}
	return "", fmt.Errorf("unknown lock state %q", raw)
}

// ChargeMode mirrors the charger's solar_mode wire values.
type ChargeMode string

const (
	ChargeModeBoost    ChargeMode = "boost"
	ChargeModeEco      ChargeMode = "eco"
	ChargeModeSuperEco ChargeMode = "super_eco"
)

func ParseChargeMode(raw string) (ChargeMode, error) {
	switch ChargeMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ChargeModeBoost:
		return ChargeModeBoost, nil
	case ChargeModeEco:
		return ChargeModeEco, nil
	case ChargeModeSuperEco:
		return ChargeModeSuperEco, nil
	}
	return "", fmt.Errorf("unknown charge mode %q", raw)
}

// ActivationMode describes what triggers a charge.
type ActivationMode string

const (
	ActivationPlugAndCharge ActivationMode = "plug_and_charge"
	ActivationSchedule      ActivationMode = "schedule"
	// ActivationTariff is reported when the applied schedule is managed
	// by a tariff integration (wire type "octopus").
	ActivationTariff ActivationMode = "tariff"
)

// ReleaseState reports whether the user cancelled the current charge.
type ReleaseState string

const (
	ReleaseStateDefault  ReleaseState = "default"
	ReleaseStateReleased ReleaseState = "released"
)

// DayOfWeek is a bitmask of weekdays used by generation 3 schedules.
type DayOfWeek int

const (
	Monday    DayOfWeek = 1 << iota // 1
	Tuesday                         // 2
	Wednesday                       // 4
	Thursday                        // 8
	Friday                          // 16
	Saturday                        // 32
	Sunday                          // 64

	AllDays DayOfWeek = 127
)

var dayNames = []struct {
	day  DayOfWeek
	name string
}{
	{Monday, "monday"},
	{Tuesday, "tuesday"},
	{Wednesday, "wednesday"},
	{Thursday, "thursday"},
	{Friday, "friday"},
	{Saturday, "saturday"},
	{Sunday, "sunday"},
}

// DaysFromNames folds wire day names into a bitmask. Unknown names are
// ignored so new server-side values cannot break schedule parsing.
func DaysFromNames(names []string) DayOfWeek {
	var days DayOfWeek
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		for _, entry := range dayNames {
			if entry.name == name {
				days |= entry.day
			}
		}
	}
	return days
}

// Names renders the bitmask back into wire day names, Monday first.
func (d DayOfWeek) Names() []string {
	names := make([]string, 0, 7)
	for _, entry := range dayNames {
		if d&entry.day != 0 {
			names = append(names, entry.name)
		}
	}
	return names
}

// TimeOfDay is a wall-clock instant within a day, minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Before reports whether t is strictly earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	if t.Hour != other.Hour {
		return t.Hour < other.Hour
	}
	return t.Minute < other.Minute
}

// ParseTimeOfDay accepts "HH:MM" and the charger's midnight alias "24:00".
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "24:00" {
		return TimeOfDay{}, nil
	}
	parsed, err := time.Parse("15:04", trimmed)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", raw)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// ScheduleInterval is one charging window. Mode and Days are only
// meaningful on generation 3 chargers; generation 2 ignores them.
type ScheduleInterval struct {
	Start TimeOfDay
	End   TimeOfDay
	Mode  ChargeMode
	Days  DayOfWeek
}

// Empty reports a zero-length interval, which the charger treats as deleted.
func (i ScheduleInterval) Empty() bool {
	return i.Start == i.End
}

// DeviceState is the canonical snapshot of one charger. The sync
// coordinator is its only writer; everyone else sees copies.
type DeviceState struct {
	ChargerID string

	Charging   bool
	CarPlugged bool

	LockState      LockState
	ChargeMode     ChargeMode
	ActivationMode ActivationMode
	ReleaseState   ReleaseState

	MaxCurrentMilliAmps int
	// LEDBrightness is the wire value in [0.0, 1.0].
	LEDBrightness float64

	SessionID int64
	// SessionWattHours is the raw per-session meter value. It can dip
	// and resets when a new session starts.
	SessionWattHours float64
	// SessionWattHoursIncreasing never decreases within one session id;
	// it resets to the raw value when the session id changes.
	SessionWattHoursIncreasing float64
	SessionCarbonSavedGrams    float64

	// Live measurements. Only populated while a session is running,
	// except the generation 3 power breakdown which arrives regardless.
	CurrentMilliAmps     float64
	CTCurrentMilliAmps   float64
	CTPowerWatts         float64
	Voltage              float64
	EVPowerWatts         float64
	HousePowerWatts      float64
	GridPowerWatts       float64
	GenerationPowerWatts float64

	Schedule     []ScheduleInterval
	ScheduleType string
	ScheduleTZ   string

	FirmwareVersion string
	ChargerName     string

	// LastConfirmed is the time of the last frame or successful connect
	// on any channel. Stale is set by the coordinator once the
	// configured staleness threshold elapses without confirmation.
	LastConfirmed time.Time
	Stale         bool
}

// Clone returns a deep copy safe to hand to subscribers.
func (s *DeviceState) Clone() DeviceState {
	out := *s
	if s.Schedule != nil {
		out.Schedule = make([]ScheduleInterval, len(s.Schedule))
		copy(out.Schedule, s.Schedule)
	}
	return out
}
