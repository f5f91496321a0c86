package killer

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/internal/timers"
	"github.com/coreinit/initd/pkg/job"
)

type fakeSignaler struct {
	signals []sent
}

type sent struct {
	pid int
	sig syscall.Signal
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.signals = append(f.signals, sent{pid, sig})
	return nil
}

type noopSpawner struct{}

func (noopSpawner) Spawn(j *job.Job, kind statemachine.ScriptKind) (int, error) { return 0, nil }

func newMachine() *statemachine.Machine {
	return &statemachine.Machine{
		Events: eventstore.New(),
		Spawn:  noopSpawner{},
		Now:    time.Now,
	}
}

func newKiller(sig *fakeSignaler, wheel *timers.Wheel) *Killer {
	k := New(wheel, newMachine(), func() time.Time { return time.Unix(1000, 0) })
	k.Signal = sig
	return k
}

func TestKillSendsTermAndArmsTimer(t *testing.T) {
	sig := &fakeSignaler{}
	wheel := timers.New()
	k := newKiller(sig, wheel)

	cfg := &job.Config{Name: "svc"}
	j := job.New(cfg, "")
	j.Slot = job.Slot{MainPid: 42, ProcessState: job.ProcessActive}

	k.Kill(j, false)

	require.Len(t, sig.signals, 1)
	assert.Equal(t, syscall.SIGTERM, sig.signals[0].sig)
	assert.Equal(t, job.ProcessKilled, j.Slot.ProcessState)
	assert.NotZero(t, j.KillTimerID)
	assert.True(t, wheel.Pending(timers.ID(j.KillTimerID)))
}

func TestKillTimerExpiryEscalatesToKill(t *testing.T) {
	sig := &fakeSignaler{}
	wheel := timers.New()
	now := time.Unix(1000, 0)
	k := newKiller(sig, wheel)
	k.Now = func() time.Time { return now }

	cfg := &job.Config{Name: "sticky", KillTimeout: 5 * time.Second}
	j := job.New(cfg, "")
	j.Slot = job.Slot{MainPid: 7, ProcessState: job.ProcessActive}

	k.Kill(j, false)
	wheel.Poll(now.Add(5 * time.Second))

	require.Len(t, sig.signals, 2)
	assert.Equal(t, syscall.SIGTERM, sig.signals[0].sig)
	assert.Equal(t, syscall.SIGKILL, sig.signals[1].sig)
	assert.Equal(t, 7, j.Slot.MainPid, "main_pid must only be cleared by the Reaper")
}

func TestKillForceSkipsTimer(t *testing.T) {
	sig := &fakeSignaler{}
	wheel := timers.New()
	k := newKiller(sig, wheel)

	cfg := &job.Config{Name: "svc"}
	j := job.New(cfg, "")
	j.Slot = job.Slot{MainPid: 9, ProcessState: job.ProcessActive}

	k.Kill(j, true)

	require.Len(t, sig.signals, 1)
	assert.Equal(t, syscall.SIGKILL, sig.signals[0].sig)
	assert.Zero(t, j.KillTimerID)
}

func TestKillWithNoProcessAdvancesStateMachine(t *testing.T) {
	sig := &fakeSignaler{}
	wheel := timers.New()
	k := newKiller(sig, wheel)

	cfg := &job.Config{Name: "svc"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStop
	j.State = job.StateStopping
	j.Slot.ProcessState = job.ProcessNone

	k.Kill(j, false)

	assert.Empty(t, sig.signals, "no process means nothing to signal")
	assert.Equal(t, job.StateWaiting, j.State)
}

func TestKillCancelsPreviousTimerBeforeRearming(t *testing.T) {
	sig := &fakeSignaler{}
	wheel := timers.New()
	k := newKiller(sig, wheel)

	cfg := &job.Config{Name: "svc"}
	j := job.New(cfg, "")
	j.Slot = job.Slot{MainPid: 11, ProcessState: job.ProcessActive}

	k.Kill(j, false)
	firstTimer := timers.ID(j.KillTimerID)
	k.Kill(j, false)

	assert.False(t, wheel.Pending(firstTimer))
	assert.True(t, wheel.Pending(timers.ID(j.KillTimerID)))
}
