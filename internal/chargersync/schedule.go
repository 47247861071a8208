package chargersync

import (
	"context"
	"fmt"

	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
	"github.com/micro-ha/hypervolt-charger/addon/internal/model"
)

// maxScheduleSlots bounds how many intervals can be staged. The charger
// UI exposes four; staging allows a little headroom.
const maxScheduleSlots = 8

// StageScheduleEdit records a schedule edit locally without any network
// call. The first edit snapshots the current schedule as the staging
// base. Slots are zero-indexed and may be sparse; a zero-length
// interval marks its slot for deletion on apply.
func (c *Coordinator) StageScheduleEdit(index int, interval model.ScheduleInterval) error {
	if index < 0 || index >= maxScheduleSlots {
		return fmt.Errorf("schedule slot %d outside 0-%d", index, maxScheduleSlots-1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stagedSet {
		c.staged = make([]model.ScheduleInterval, len(c.state.Schedule))
		copy(c.staged, c.state.Schedule)
		c.stagedSet = true
	}
	for len(c.staged) <= index {
		c.staged = append(c.staged, model.ScheduleInterval{})
	}
	c.staged[index] = interval
	return nil
}

// RemoveScheduleInterval stages the deletion of one slot.
func (c *Coordinator) RemoveScheduleInterval(index int) error {
	return c.StageScheduleEdit(index, model.ScheduleInterval{})
}

// StagedSchedule returns the staged interval list, falling back to the
// applied schedule when nothing has been staged.
func (c *Coordinator) StagedSchedule() []model.ScheduleInterval {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.state.Schedule
	if c.stagedSet {
		src = c.staged
	}
	out := make([]model.ScheduleInterval, len(src))
	copy(out, src)
	return out
}

// ApplySchedule commits all staged edits in one outgoing call and
// replaces the snapshot schedule with the server's read-back. Deleted
// and zero-length slots are compacted out, so remaining intervals are
// renumbered by the round trip.
func (c *Coordinator) ApplySchedule(ctx context.Context) error {
	c.mu.Lock()
	staged := c.staged
	if !c.stagedSet {
		staged = c.state.Schedule
	}
	intervals := make([]model.ScheduleInterval, 0, len(staged))
	for _, interval := range staged {
		if interval.Empty() {
			continue
		}
		intervals = append(intervals, interval)
	}
	enabled := c.state.ActivationMode == model.ActivationSchedule || c.state.ActivationMode == model.ActivationTariff
	scheduleType := c.state.ScheduleType
	scheduleTZ := c.state.ScheduleTZ
	c.mu.Unlock()

	var err error
	if c.caps.ScheduleTransport == ScheduleOverREST {
		err = c.applyScheduleREST(ctx, enabled, scheduleType, scheduleTZ, intervals)
	} else {
		err = c.applyScheduleSync(ctx, enabled, intervals)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.staged = nil
	c.stagedSet = false
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) applyScheduleREST(ctx context.Context, enabled bool, scheduleType, scheduleTZ string, intervals []model.ScheduleInterval) error {
	put := hvapi.Schedule{
		Enabled:   enabled,
		Type:      scheduleType,
		TZ:        scheduleTZ,
		Intervals: intervals,
	}
	if err := c.rest.PutSchedule(ctx, c.identity.ChargerID, put); err != nil {
		return err
	}
	// Read back what the charger actually stored; it may reorder or
	// compact the list.
	return c.pollSchedule(ctx)
}

func (c *Coordinator) applyScheduleSync(ctx context.Context, enabled bool, intervals []model.ScheduleInterval) error {
	params := hvapi.ScheduleSetParams{
		Enabled:   enabled,
		IsDefault: false,
		Type:      "hypervolt",
		Sessions:  sessionsFromIntervals(intervals),
	}
	// The schedule.set response carries the applied schedule and is
	// merged by the frame path like a schedules.get read-back.
	_, err := c.submitCommand(ctx, hvapi.MethodScheduleSet, params)
	return err
}

// sessionsFromIntervals renders intervals to the generation 3 wire
// shape. An interval spanning midnight is split in two because the
// backend rejects end times before start times; either half is dropped
// when it collapses to zero length.
func sessionsFromIntervals(intervals []model.ScheduleInterval) []hvapi.ScheduleSession {
	sessions := make([]hvapi.ScheduleSession, 0, len(intervals))
	for _, interval := range intervals {
		mode := interval.Mode
		if mode == "" {
			mode = model.ChargeModeBoost
		}
		days := interval.Days
		if days == 0 {
			days = model.AllDays
		}

		if interval.End.Before(interval.Start) {
			first := hvapi.ScheduleSession{
				SessionType: "recurring",
				StartTime:   interval.Start.String(),
				EndTime:     "24:00",
				Mode:        string(mode),
				Days:        days.Names(),
			}
			if first.StartTime != first.EndTime {
				sessions = append(sessions, first)
			}
			second := hvapi.ScheduleSession{
				SessionType: "recurring",
				StartTime:   "00:00",
				EndTime:     interval.End.String(),
				Mode:        string(mode),
				Days:        days.Names(),
			}
			if second.StartTime != second.EndTime {
				sessions = append(sessions, second)
			}
			continue
		}

		sessions = append(sessions, hvapi.ScheduleSession{
			SessionType: "recurring",
			StartTime:   interval.Start.String(),
			EndTime:     interval.End.String(),
			Mode:        string(mode),
			Days:        days.Names(),
		})
	}
	return sessions
}
