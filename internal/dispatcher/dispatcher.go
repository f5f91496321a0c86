// Package dispatcher implements spec §4.7: one pass over the drained
// event queue, matching every job's start/stop patterns and stepping
// its state machine, plus the "stalled" idle-detection edge.
package dispatcher

import (
	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/killer"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/pkg/event"
	"github.com/coreinit/initd/pkg/job"
)

// Subscriber is notified of every event as it is dispatched, regardless
// of whether any job matched it.
type Subscriber interface {
	Notify(e event.Event)
}

// Dispatcher is the Dispatcher component of spec §2.9 / §4.7.
type Dispatcher struct {
	Events      *eventstore.Store
	Jobs        JobSource
	Machine     *statemachine.Machine
	Kill        *killer.Killer
	Subscribers []Subscriber

	wasStalled bool
}

// JobSource is the subset of jobtable.Table the Dispatcher needs —
// narrowed to an interface so tests can substitute a small fixture
// table without constructing the real pid index.
type JobSource interface {
	All() []*job.Job
}

// New returns a Dispatcher wired to its collaborators.
func New(events *eventstore.Store, jobs JobSource, machine *statemachine.Machine, kill *killer.Killer) *Dispatcher {
	return &Dispatcher{Events: events, Jobs: jobs, Machine: machine, Kill: kill}
}

// Run performs one dispatch pass: drain the queue, match every job
// against every event, then check for a stall. The main loop calls it
// after the Reaper (spec §5 step 3), repeating the pass until one leaves
// the queue empty.
func (d *Dispatcher) Run() {
	for _, e := range d.Events.Drain() {
		jobs := d.Jobs.All()
		for _, j := range jobs {
			if matchesAny(j.Config.StopOn, e) {
				d.stop(j, e)
			}
			if matchesAny(j.Config.StartOn, e) {
				d.start(j, e)
			}
		}
		for _, sub := range d.Subscribers {
			sub.Notify(e)
		}
	}
	d.checkStall()
}

func matchesAny(patterns []event.Pattern, e event.Event) bool {
	for _, p := range patterns {
		if p.Matches(e) {
			return true
		}
	}
	return false
}

// start implements spec §4.7's start(cause): set goal, store cause, step
// the machine once. Per §4.7, if the goal is already START this is a
// no-op — the job is already running or on its way there, and stepping
// again would respawn a live process or spawn a second main pid.
func (d *Dispatcher) start(j *job.Job, cause event.Event) {
	if j.Goal == job.GoalStart {
		return
	}
	j.Goal = job.GoalStart
	c := cause
	j.Cause = &c
	next := statemachine.NextState(j.Goal, j.State)
	d.Machine.ChangeState(j, next)
}

// stop implements spec §4.7's stop(cause): set goal; if the job is
// RUNNING, hand it to the Killer (which TERM-then-KILLs the live
// process); otherwise step the machine, letting any in-flight script
// finish naturally. Per §4.7, if the goal is already STOP this is a
// no-op — a repeated stop must not re-arm the kill timer or re-enter a
// script already in flight.
func (d *Dispatcher) stop(j *job.Job, cause event.Event) {
	if j.Goal == job.GoalStop {
		return
	}
	j.Goal = job.GoalStop
	c := cause
	j.Cause = &c
	if j.State == job.StateRunning {
		d.Kill.Kill(j, false)
		return
	}
	next := statemachine.NextState(j.Goal, j.State)
	d.Machine.ChangeState(j, next)
}

// checkStall implements spec §4.7's stall detection: emit the `stalled`
// edge once when every job has settled at rest, and only re-arm after
// some job has since moved off that rest position.
func (d *Dispatcher) checkStall() {
	allAtRest := true
	for _, j := range d.Jobs.All() {
		if !j.AtRest() {
			allAtRest = false
			break
		}
	}
	if allAtRest && !d.wasStalled {
		d.Events.EmitEdge("stalled", nil, nil)
	}
	d.wasStalled = allAtRest
}
