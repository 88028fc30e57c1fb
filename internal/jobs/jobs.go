// Package jobs defines the jobs stockhub registers with the scheduler and
// resolves their triggers against the jobs section of the config.
package jobs

import (
	"fmt"
	"strings"

	"stockhub/internal/config"
	"stockhub/internal/task"
)

type TriggerKind int

const (
	TriggerDaily TriggerKind = iota
	TriggerInterval
	TriggerSchedule
)

// Trigger is the built-in trigger of a job. Config may override it.
type Trigger struct {
	Kind            TriggerKind
	Hour, Minute    int
	IntervalMinutes int
	Schedule        string
}

func Daily(hour, minute int) Trigger {
	return Trigger{Kind: TriggerDaily, Hour: hour, Minute: minute}
}

func Every(minutes int) Trigger {
	return Trigger{Kind: TriggerInterval, IntervalMinutes: minutes}
}

// Schedule takes any value scheduler.ParseSchedule accepts.
func Schedule(s string) Trigger {
	return Trigger{Kind: TriggerSchedule, Schedule: s}
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerDaily:
		return fmt.Sprintf("daily %02d:%02d", t.Hour, t.Minute)
	case TriggerInterval:
		return fmt.Sprintf("every %dm", t.IntervalMinutes)
	default:
		return t.Schedule
	}
}

// Definition is a job body plus its identity and default trigger.
type Definition struct {
	ID      string
	Name    string
	Default Trigger
	Func    task.Func
}

// Registrar is the part of the scheduler jobs are registered on.
type Registrar interface {
	AddCronJob(jobID, name string, hour, minute int, fn task.Func) error
	AddIntervalJob(jobID, name string, intervalMinutes int, fn task.Func) error
	AddScheduleJob(jobID, name, schedule string, fn task.Func) error
	RemoveJob(jobID string) bool
}

// Resolve returns the name and trigger def runs with under overrides, and
// false when config disables it.
func Resolve(def Definition, overrides map[string]config.JobConfig) (string, Trigger, bool) {
	name, trig := def.Name, def.Default
	jc, ok := overrides[def.ID]
	if !ok {
		return name, trig, true
	}
	if !jc.IsEnabled() {
		return name, trig, false
	}
	if n := strings.TrimSpace(jc.Name); n != "" {
		name = n
	}
	switch {
	case strings.TrimSpace(jc.Schedule) != "":
		trig = Schedule(jc.Schedule)
	case jc.Hour != nil && jc.Minute != nil:
		trig = Daily(*jc.Hour, *jc.Minute)
	case jc.IntervalMinutes > 0:
		trig = Every(jc.IntervalMinutes)
	}
	return name, trig, true
}

// Register arms def on r, replacing an existing job with the same id. A job
// disabled by config is removed instead and Register reports false.
func Register(r Registrar, def Definition, overrides map[string]config.JobConfig) (bool, error) {
	name, trig, enabled := Resolve(def, overrides)
	if !enabled {
		r.RemoveJob(def.ID)
		return false, nil
	}
	var err error
	switch trig.Kind {
	case TriggerDaily:
		err = r.AddCronJob(def.ID, name, trig.Hour, trig.Minute, def.Func)
	case TriggerInterval:
		err = r.AddIntervalJob(def.ID, name, trig.IntervalMinutes, def.Func)
	default:
		err = r.AddScheduleJob(def.ID, name, trig.Schedule, def.Func)
	}
	if err != nil {
		return false, fmt.Errorf("job %s (%s): %w", def.ID, trig, err)
	}
	return true, nil
}
