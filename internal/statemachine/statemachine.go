// Package statemachine implements the per-job finite-state machine of
// spec §4.3: the pure next_state table, change_state's entry side
// effects, and the respawn-rate limiter. It is deliberately the only
// place in the repository that mutates Job.State — everything else
// (Dispatcher, Reaper, Killer) drives it by calling ChangeState.
package statemachine

import (
	"time"

	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/jobtable"
	"github.com/coreinit/initd/internal/logging"
	"github.com/coreinit/initd/pkg/job"
)

var log = logging.Default()

// maxFallThrough bounds the synchronous "no scripts" cascade inside
// ChangeState. A correctly configured job always breaks the cascade by
// spawning a process (STARTING's pre-start, RUNNING's main command,
// STOPPING's stop script, RESPAWNING's respawn script) or by reaching
// WAITING; this guard only fires for a job with goal START and neither a
// main script nor a respawn script (whether or not it is
// respawn-flagged), where the table would otherwise oscillate
// RUNNING<->RESPAWNING within one synchronous call.
const maxFallThrough = 8

// Spawner is the subset of internal/spawner's interface the state
// machine needs: launch a job's script, returning the child pid.
type Spawner interface {
	Spawn(j *job.Job, kind ScriptKind) (pid int, err error)
}

// Killer is the subset of internal/killer's interface the state machine
// needs when a job must be force-stopped (e.g. the respawn-rate limiter
// forcing goal to STOP on an already-running process).
type Killer interface {
	Kill(j *job.Job, force bool)
}

// ScriptKind identifies which of a JobConfig's optional scripts to run.
type ScriptKind int

const (
	ScriptPreStart ScriptKind = iota
	ScriptMain
	ScriptStop
	ScriptRespawn
)

// Machine ties the pure transition table to its side-effecting
// collaborators.
type Machine struct {
	Events  *eventstore.Store
	Spawn   Spawner
	KillJob Killer
	Table   *jobtable.Table // indexed with every pid this machine spawns
	Now     func() time.Time
}

// indexPid records a freshly spawned pid in the job table's pid index
// so the Reaper can later map a dying pid back to this job (spec
// §4.2/§4.6). Machine.Table is expected to be set in production; it is
// only left nil by tests that drive ChangeState directly without a
// reaper in the loop.
func (m *Machine) indexPid(j *job.Job, slot jobtable.Slot, pid int) {
	if m.Table == nil {
		switch slot {
		case jobtable.SlotMain:
			j.Slot.MainPid = pid
		case jobtable.SlotAux:
			j.Slot.AuxPid = pid
		}
		return
	}
	if err := m.Table.IndexPid(j, slot, pid); err != nil {
		log.Error("failed to index spawned pid", "job", j.Key(), "pid", pid, "error", err)
	}
}

// NextState is the pure function of spec §4.3's table.
func NextState(goal job.Goal, state job.State) job.State {
	switch state {
	case job.StateWaiting:
		if goal == job.GoalStart {
			return job.StateStarting
		}
		return job.StateWaiting
	case job.StateStarting:
		if goal == job.GoalStart {
			return job.StateRunning
		}
		return job.StateStopping
	case job.StateRunning:
		if goal == job.GoalStart {
			return job.StateRespawning
		}
		return job.StateStopping
	case job.StateStopping:
		if goal == job.GoalStart {
			return job.StateStarting
		}
		return job.StateWaiting
	case job.StateRespawning:
		if goal == job.GoalStart {
			return job.StateRunning
		}
		return job.StateStopping
	default:
		return state
	}
}

// ChangeState applies newState to j, running its entry side effects,
// then repeatedly re-derives NextState and falls through whenever the
// entry action had nothing to spawn — "a job with no scripts passes
// straight through" (spec §4.3).
func (m *Machine) ChangeState(j *job.Job, newState job.State) {
	for i := 0; i < maxFallThrough; i++ {
		j.State = newState
		spawned := m.onEnter(j)
		if spawned {
			return
		}
		if j.State == job.StateWaiting {
			return
		}
		next := NextState(j.Goal, j.State)
		if next == j.State {
			return
		}
		newState = next
	}
	log.Warn("job fell through state machine without spawning anything, holding state",
		"job", j.Key(), "state", j.State)
}

// onEnter performs the side effects for spec §4.3's "On entry to each
// state" list and reports whether it spawned a process (and therefore
// must stop the fall-through cascade to wait for that process).
func (m *Machine) onEnter(j *job.Job) bool {
	switch j.State {
	case job.StateStarting:
		return m.enterStarting(j)
	case job.StateRunning:
		return m.enterRunning(j)
	case job.StateStopping:
		return m.enterStopping(j)
	case job.StateRespawning:
		return m.enterRespawning(j)
	case job.StateWaiting:
		m.enterWaiting(j)
		return false
	default:
		return false
	}
}

func (m *Machine) enterStarting(j *job.Job) bool {
	m.Events.EmitEdge(j.Name+"/start", nil, nil)
	if j.Config.PreStart == "" {
		return false
	}
	pid, err := m.Spawn.Spawn(j, ScriptPreStart)
	if err != nil {
		log.Error("pre-start spawn failed", "job", j.Key(), "error", err)
		j.Failed = true
		j.FailedState = job.StateStarting
		j.Goal = job.GoalStop
		return false
	}
	m.indexPid(j, jobtable.SlotMain, pid)
	j.Slot.ProcessState = job.ProcessSpawned
	return true
}

func (m *Machine) enterRunning(j *job.Job) bool {
	if j.Config.Script == "" {
		m.Events.EmitEdge(j.Name+"/started", nil, nil)
		if j.Config.RespawnFlag {
			m.Events.EmitEdge(j.Name, nil, nil)
		}
		return false
	}
	pid, err := m.Spawn.Spawn(j, ScriptMain)
	if err != nil {
		log.Error("main script spawn failed", "job", j.Key(), "error", err)
		j.Failed = true
		j.FailedState = job.StateRunning
		j.Goal = job.GoalStop
		return false
	}
	m.indexPid(j, jobtable.SlotMain, pid)
	j.Slot.ProcessState = job.ProcessSpawned
	m.Events.EmitEdge(j.Name+"/started", nil, nil)
	if j.Config.RespawnFlag {
		m.Events.EmitEdge(j.Name, nil, nil)
	}
	return true
}

func (m *Machine) enterStopping(j *job.Job) bool {
	m.Events.EmitEdge(j.Name+"/stop", nil, nil)
	if j.Config.RespawnFlag && j.Failed {
		m.Events.EmitEdge(j.Name, nil, nil)
	}
	if j.Config.Stop == "" {
		return false
	}
	pid, err := m.Spawn.Spawn(j, ScriptStop)
	if err != nil {
		log.Error("stop script spawn failed", "job", j.Key(), "error", err)
		return false
	}
	m.indexPid(j, jobtable.SlotAux, pid)
	j.Slot.ProcessState = job.ProcessSpawned
	return true
}

func (m *Machine) enterRespawning(j *job.Job) bool {
	m.Events.EmitEdge(j.Name+"/respawn", nil, nil)
	if m.rateLimited(j) {
		return true // ChangeState was already re-entered into STOPPING
	}
	if j.Config.Respawn == "" {
		return false
	}
	pid, err := m.Spawn.Spawn(j, ScriptRespawn)
	if err != nil {
		log.Error("respawn script spawn failed", "job", j.Key(), "error", err)
		return false
	}
	m.indexPid(j, jobtable.SlotMain, pid)
	j.Slot.ProcessState = job.ProcessSpawned
	return true
}

func (m *Machine) enterWaiting(j *job.Job) {
	m.Events.EmitEdge(j.Name+"/stopped", nil, nil)
	j.Cause = nil
}

// rateLimited applies the respawn-rate limiter from spec §4.3. If the
// job is respawning too fast it forces goal:=STOP, recurses into
// ChangeState(STOPPING), and returns true so the caller does not also
// try to spawn the respawn script.
func (m *Machine) rateLimited(j *job.Job) bool {
	rl := j.Config.EffectiveRespawnLimit()
	now := m.Now()
	if j.RespawnWindowStart.IsZero() || now.Sub(j.RespawnWindowStart) > rl.Interval {
		j.RespawnWindowStart = now
		j.RespawnCount = 0
	}
	j.RespawnCount++
	if j.RespawnCount <= rl.Limit {
		return false
	}
	log.Warn("respawning too fast, stopped", "job", j.Key())
	j.Goal = job.GoalStop
	j.Failed = true
	j.FailedState = job.StateRespawning
	m.ChangeState(j, job.StateStopping)
	return true
}
