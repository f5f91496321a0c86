// Package killer implements spec §4.5: TERM-then-KILL escalation against
// a job's main process, driven by the shared timer wheel rather than a
// goroutine-per-job sleep, to keep every state mutation on the main
// loop's single thread.
package killer

import (
	"syscall"
	"time"

	"github.com/coreinit/initd/internal/logging"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/internal/timers"
	"github.com/coreinit/initd/pkg/job"
)

var log = logging.Default()

// Signaler sends a signal to a process (group). Abstracted so tests can
// substitute a recording fake instead of touching real pids.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// osSignaler sends to the negative pid — the whole process group the
// Spawner placed the child in via Setpgid, so stray children of a script
// die with it.
type osSignaler struct{}

func (osSignaler) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// Killer is the kill(job, force) primitive of spec §2.7 / §4.5.
type Killer struct {
	Signal  Signaler
	Timers  *timers.Wheel
	Machine *statemachine.Machine
	Now     func() time.Time
}

// New returns a Killer that signals real OS process groups.
func New(wheel *timers.Wheel, machine *statemachine.Machine, now func() time.Time) *Killer {
	return &Killer{Signal: osSignaler{}, Timers: wheel, Machine: machine, Now: now}
}

// Kill implements spec §4.5's kill(job, force). With force false it
// sends SIGTERM and arms the kill timer, whose expiry escalates to
// SIGKILL; with force true it sends SIGKILL at once and arms no timer.
func (k *Killer) Kill(j *job.Job, force bool) {
	if j.Slot.ProcessState == job.ProcessNone {
		k.reapAsIfExited(j, 0)
		return
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := k.Signal.Signal(j.Slot.MainPid, sig); err != nil {
		log.Warn("failed to signal job process", "job", j.Key(), "pid", j.Slot.MainPid, "error", err)
	}
	j.Slot.ProcessState = job.ProcessKilled

	if j.KillTimerID != 0 {
		k.Timers.Cancel(timers.ID(j.KillTimerID))
	}
	if force {
		return
	}
	pid := j.Slot.MainPid
	id := k.Timers.Arm(k.Now(), j.Config.EffectiveKillTimeout(), func() {
		k.escalate(j, pid)
	})
	j.KillTimerID = int64(id)
}

// escalate fires when kill_timer expires: send SIGKILL, leave main_pid
// in place for the Reaper to clear once the death is actually observed
// (spec §4.5).
func (k *Killer) escalate(j *job.Job, pid int) {
	j.KillTimerID = 0
	if j.Slot.MainPid != pid {
		// The pid slot was already reclaimed (job reaped, or a new
		// process spawned into the same slot); nothing to escalate.
		return
	}
	if err := k.Signal.Signal(pid, syscall.SIGKILL); err != nil {
		log.Warn("failed to SIGKILL job process", "job", j.Key(), "pid", pid, "error", err)
	}
}

// reapAsIfExited handles the process_state=NONE short circuit: there is
// nothing to signal, so advance the state machine as if the Reaper had
// just observed a clean exit.
func (k *Killer) reapAsIfExited(j *job.Job, code int) {
	j.ExitStatus = code
	next := statemachine.NextState(j.Goal, j.State)
	k.Machine.ChangeState(j, next)
}
