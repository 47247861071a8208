package chargersync

import (
	"encoding/json"
	"log/slog"

	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
	"github.com/micro-ha/hypervolt-charger/addon/internal/model"
)

// Merger applies partial updates to a device snapshot. Fields absent
// from a payload are always left untouched; a snapshot is never reset
// wholesale by an incremental message. The coordinator serializes all
// calls, so Merger itself holds no locks.
type Merger struct {
	caps   Capabilities
	logger *slog.Logger
}

func NewMerger(caps Capabilities, logger *slog.Logger) *Merger {
	return &Merger{caps: caps, logger: logger}
}

// ApplySyncFields merges a sync.snapshot / sync.apply payload, which is
// either one object or an array of single-field objects.
func (m *Merger) ApplySyncFields(state *model.DeviceState, payload json.RawMessage) error {
	objects, err := hvapi.FieldObjects(payload)
	if err != nil {
		return err
	}
	for _, raw := range objects {
		var fields hvapi.SyncFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			m.logger.Warn("skipping unparsable sync field object", "err", err)
			continue
		}
		m.applySyncObject(state, fields)
	}
	return nil
}

func (m *Merger) applySyncObject(state *model.DeviceState, fields hvapi.SyncFields) {
	if fields.Brightness != nil {
		value := *fields.Brightness
		if value < 0 || value > 1 {
			m.logger.Warn("brightness out of range, ignoring", "value", value)
		} else {
			state.LEDBrightness = value
		}
	}
	if fields.LockState != nil {
		if lock, err := model.ParseLockState(*fields.LockState); err != nil {
			m.logger.Warn("unknown lock state, ignoring", "value", *fields.LockState)
		} else {
			state.LockState = lock
		}
	}
	if fields.MaxCurrent != nil {
		if *fields.MaxCurrent < 0 {
			m.logger.Warn("negative max current, ignoring", "value", *fields.MaxCurrent)
		} else {
			state.MaxCurrentMilliAmps = *fields.MaxCurrent
		}
	}
	if fields.SolarMode != nil {
		if mode, err := model.ParseChargeMode(*fields.SolarMode); err != nil {
			m.logger.Warn("unknown charge mode, ignoring", "value", *fields.SolarMode)
		} else {
			state.ChargeMode = mode
		}
	}
	if fields.ReleaseState != nil {
		switch model.ReleaseState(*fields.ReleaseState) {
		case model.ReleaseStateDefault, model.ReleaseStateReleased:
			state.ReleaseState = model.ReleaseState(*fields.ReleaseState)
		default:
			m.logger.Warn("unknown release state, ignoring", "value", *fields.ReleaseState)
		}
	}
}

// ApplySession merges an incremental session update and maintains the
// monotonic derived energy: within one session id the derived value is
// the maximum raw value seen so far; a new session id resets it to the
// session's first raw value.
func (m *Merger) ApplySession(state *model.DeviceState, payload json.RawMessage) error {
	var fields hvapi.SessionFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}

	if fields.Charging != nil {
		state.Charging = *fields.Charging
	}

	sessionChanged := fields.Session != nil && *fields.Session != state.SessionID
	if sessionChanged {
		state.SessionID = *fields.Session
		state.SessionWattHoursIncreasing = 0
	}
	if fields.WattHours != nil {
		state.SessionWattHours = *fields.WattHours
		if sessionChanged || *fields.WattHours > state.SessionWattHoursIncreasing {
			state.SessionWattHoursIncreasing = *fields.WattHours
		}
	}
	if fields.CarbonSavedGrams != nil {
		state.SessionCarbonSavedGrams = *fields.CarbonSavedGrams
	}

	if fields.TrueMilliAmps != nil {
		state.CurrentMilliAmps = *fields.TrueMilliAmps
	}
	if fields.CTCurrent != nil {
		state.CTCurrentMilliAmps = *fields.CTCurrent
	}
	if fields.Voltage != nil && m.caps.ReportsVoltage {
		state.Voltage = *fields.Voltage
	}
	if fields.CTPower != nil {
		state.CTPowerWatts = *fields.CTPower
	}
	if fields.CTCurrent != nil && fields.Voltage != nil && m.caps.ReportsVoltage {
		// The old session channel reported ct_power directly; newer
		// payloads carry current and voltage, so rebuild it (mA to A).
		state.CTPowerWatts = *fields.Voltage * *fields.CTCurrent / 1000
	}

	if m.caps.ReportsPowerBreakdown {
		if fields.EVPower != nil {
			state.EVPowerWatts = *fields.EVPower
		}
		if fields.HousePower != nil {
			state.HousePowerWatts = *fields.HousePower
		}
		if fields.GridPower != nil {
			state.GridPowerWatts = *fields.GridPower
		}
		if fields.GenerationPower != nil {
			state.GenerationPowerWatts = *fields.GenerationPower
		}
	}
	return nil
}

// ApplyScheduleDocument replaces the schedule from a generation 3
// schedules.get / schedule.set payload. The interval list is swapped
// atomically, never merged entry by entry.
func (m *Merger) ApplyScheduleDocument(state *model.DeviceState, payload json.RawMessage) error {
	var doc hvapi.ScheduleDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	if doc.Applied == nil {
		return nil
	}
	applied := doc.Applied

	if applied.Enabled != nil {
		switch {
		case *applied.Enabled && applied.Type == "octopus":
			state.ActivationMode = model.ActivationTariff
		case *applied.Enabled:
			state.ActivationMode = model.ActivationSchedule
		default:
			state.ActivationMode = model.ActivationPlugAndCharge
		}
	}
	if applied.Type != "" {
		state.ScheduleType = applied.Type
	}

	if applied.Sessions == nil {
		return nil
	}
	intervals := make([]model.ScheduleInterval, 0, len(applied.Sessions))
	for _, session := range applied.Sessions {
		// Tariff-managed schedules contain backend bookkeeping entries;
		// only boost windows are user-relevant.
		if state.ActivationMode == model.ActivationTariff && session.Mode != string(model.ChargeModeBoost) {
			continue
		}
		interval, err := intervalFromSession(session)
		if err != nil {
			m.logger.Warn("skipping unparsable schedule session", "err", err)
			continue
		}
		if interval.Empty() {
			continue
		}
		intervals = append(intervals, interval)
	}
	state.Schedule = intervals
	return nil
}

func intervalFromSession(session hvapi.ScheduleSession) (model.ScheduleInterval, error) {
	start, err := model.ParseTimeOfDay(session.StartTime)
	if err != nil {
		return model.ScheduleInterval{}, err
	}
	end, err := model.ParseTimeOfDay(session.EndTime)
	if err != nil {
		return model.ScheduleInterval{}, err
	}
	mode, err := model.ParseChargeMode(session.Mode)
	if err != nil {
		mode = model.ChargeModeBoost
	}
	return model.ScheduleInterval{
		Start: start,
		End:   end,
		Mode:  mode,
		Days:  model.DaysFromNames(session.Days),
	}, nil
}

// ApplyRESTSchedule replaces the schedule from the generation 2 REST
// schedule endpoint.
func (m *Merger) ApplyRESTSchedule(state *model.DeviceState, schedule hvapi.Schedule) {
	if schedule.Enabled {
		state.ActivationMode = model.ActivationSchedule
	} else {
		state.ActivationMode = model.ActivationPlugAndCharge
	}
	if schedule.Type != "" {
		state.ScheduleType = schedule.Type
	}
	if schedule.TZ != "" {
		state.ScheduleTZ = schedule.TZ
	}

	intervals := make([]model.ScheduleInterval, 0, len(schedule.Intervals))
	for _, interval := range schedule.Intervals {
		if interval.Empty() {
			continue
		}
		intervals = append(intervals, interval)
	}
	state.Schedule = intervals
}

// ApplyPilotStatus merges a control pilot update. Values other than
// A/B/C are ignored.
func (m *Merger) ApplyPilotStatus(state *model.DeviceState, payload json.RawMessage) error {
	var fields hvapi.PilotStatusFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	switch fields.PilotStatus {
	case "A":
		state.CarPlugged = false
	case "B", "C":
		state.CarPlugged = true
	}
	return nil
}
