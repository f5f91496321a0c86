// Package reaper implements spec §4.6: draining terminated children on
// SIGCHLD via a non-blocking wait, mapping pid back to Job, classifying
// the exit, and driving the state machine's next transition.
package reaper

import (
	"golang.org/x/sys/unix"

	"github.com/coreinit/initd/internal/jobtable"
	"github.com/coreinit/initd/internal/logging"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/internal/timers"
	"github.com/coreinit/initd/pkg/job"
)

var log = logging.Default()

// Waiter abstracts the non-blocking wait syscall so tests can feed
// synthetic (pid, status) pairs without forking real children.
type Waiter interface {
	// Wait4 mirrors unix.Wait4: returns (0, nil) when no child is
	// currently reapable (WNOHANG with nothing to report).
	Wait4(pid int, wstatus *unix.WaitStatus, flags int) (int, error)
}

type osWaiter struct{}

func (osWaiter) Wait4(pid int, wstatus *unix.WaitStatus, flags int) (int, error) {
	p, err := unix.Wait4(pid, wstatus, flags, nil)
	return p, err
}

// Reaper is the Reaper component of spec §2.8.
type Reaper struct {
	Wait    Waiter
	Table   *jobtable.Table
	Timers  *timers.Wheel
	Machine *statemachine.Machine
}

// New returns a Reaper backed by the real wait4(2) syscall.
func New(tbl *jobtable.Table, wheel *timers.Wheel, machine *statemachine.Machine) *Reaper {
	return &Reaper{Wait: osWaiter{}, Table: tbl, Timers: wheel, Machine: machine}
}

// Drain reaps every currently-terminated child exactly once, i.e. calls
// wait4(-1, WNOHANG) in a loop until it reports no more deaths. Call
// once per SIGCHLD, from the main loop (spec §5 step 2).
func (r *Reaper) Drain() {
	for {
		var ws unix.WaitStatus
		pid, err := r.Wait.Wait4(-1, &ws, unix.WNOHANG)
		if err != nil || pid <= 0 {
			return
		}
		r.reapOne(pid, ws)
	}
}

func (r *Reaper) reapOne(pid int, ws unix.WaitStatus) {
	j, slot, ok := r.Table.FindByPid(pid)
	if !ok {
		// Foreign child (already reaped, or never ours); spec §4.6 step 1
		// says ignore silently.
		return
	}

	if j.KillTimerID != 0 {
		r.Timers.Cancel(timers.ID(j.KillTimerID))
		j.KillTimerID = 0
	}

	normal, exitStatus, logLine := classify(ws, j.Config)
	r.Table.UnindexPid(pid)
	j.Slot.ProcessState = job.ProcessNone
	log.Info(logLine, "job", j.Key(), "pid", pid, "slot", slotName(slot))

	r.applyOutcome(j, normal, exitStatus)
}

// classify implements spec §4.6 step 3: exited(0) or an explicitly
// allow-listed code is normal; anything else — including any signal
// death — is a failure.
func classify(ws unix.WaitStatus, cfg *job.Config) (normal bool, exitStatus int, logLine string) {
	if ws.Exited() {
		code := ws.ExitStatus()
		return cfg.IsNormalExit(code), code, exitedLog(code)
	}
	if ws.Signaled() {
		sig := int(ws.Signal())
		return false, 128 + sig, signaledLog(sig)
	}
	return true, 0, "process terminated"
}

func exitedLog(code int) string {
	if code == 0 {
		return "process terminated with status 0"
	}
	return "process terminated with status N"
}

func signaledLog(sig int) string {
	return "killed by signal N"
}

func slotName(s jobtable.Slot) string {
	if s == jobtable.SlotAux {
		return "aux"
	}
	return "main"
}

// applyOutcome implements spec §4.6 steps 5-7: decide the next goal,
// record failure bookkeeping, then advance the state machine.
func (r *Reaper) applyOutcome(j *job.Job, normal bool, exitStatus int) {
	j.ExitStatus = exitStatus
	wasRunning := j.State == job.StateRunning
	wasStartingOrStopping := j.State == job.StateStarting || j.State == job.StateStopping

	switch {
	case !normal && (wasStartingOrStopping || (wasRunning && !j.Config.RespawnFlag)):
		j.Failed = true
		j.FailedState = j.State
		j.Goal = job.GoalStop
	case !normal && wasRunning && j.Config.RespawnFlag:
		j.Failed = true
		j.FailedState = j.State
		// goal stays START — RESPAWNING handles the failed attempt.
	default:
		// goal preserved as-is, including the normal-exit-of-a-respawn-job
		// case, which also proceeds to RESPAWNING.
	}

	next := statemachine.NextState(j.Goal, j.State)
	r.Machine.ChangeState(j, next)
}
