package chargersync

import "github.com/micro-ha/hypervolt-charger/addon/internal/model"

// ChannelKind names one persistent push channel.
type ChannelKind string

const (
	ChannelSync              ChannelKind = "sync"
	ChannelSessionInProgress ChannelKind = "session/in-progress"
)

// ScheduleTransport selects how schedules are read and written.
type ScheduleTransport int

const (
	// ScheduleOverREST: generation 2, GET/PUT on the schedule endpoint.
	ScheduleOverREST ScheduleTransport = iota
	// ScheduleOverSync: generation 3, schedules.get / schedule.set
	// frames on the sync channel.
	ScheduleOverSync
)

// Capabilities is the per-generation protocol profile. It is a pure
// lookup so version branching lives in one place instead of at every
// call site.
type Capabilities struct {
	Channels          []ChannelKind
	ScheduleTransport ScheduleTransport

	// ReportsVoltage: generation 3 hardware has no voltage sense and
	// always reports 0.
	ReportsVoltage bool
	// ReportsPowerBreakdown: house/grid/generation power fields exist
	// only on generation 3.
	ReportsPowerBreakdown bool
	// PerIntervalScheduleMode: generation 3 schedules carry a charge
	// mode and day set per interval.
	PerIntervalScheduleMode bool
}

// CapabilitiesFor returns the protocol profile for a generation.
func CapabilitiesFor(gen model.Generation) Capabilities {
	if gen == model.Generation2 {
		return Capabilities{
			Channels:          []ChannelKind{ChannelSync, ChannelSessionInProgress},
			ScheduleTransport: ScheduleOverREST,
			ReportsVoltage:    true,
		}
	}
	return Capabilities{
		Channels:                []ChannelKind{ChannelSync},
		ScheduleTransport:       ScheduleOverSync,
		ReportsPowerBreakdown:   true,
		PerIntervalScheduleMode: true,
	}
}
