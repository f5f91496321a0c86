package reaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/jobtable"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/internal/timers"
	"github.com/coreinit/initd/pkg/job"
)

// fakeWaiter replays a fixed sequence of (pid, status) pairs, then
// reports "nothing to reap" forever.
type fakeWaiter struct {
	results []waitResult
	i       int
}

type waitResult struct {
	pid int
	ws  unix.WaitStatus
}

func (f *fakeWaiter) Wait4(pid int, wstatus *unix.WaitStatus, flags int) (int, error) {
	if f.i >= len(f.results) {
		return 0, nil
	}
	r := f.results[f.i]
	f.i++
	*wstatus = r.ws
	return r.pid, nil
}

func exitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func signaledStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(sig)
}

type noopSpawner struct{}

func (noopSpawner) Spawn(j *job.Job, kind statemachine.ScriptKind) (int, error) { return 0, nil }

func newReaper(results []waitResult) (*Reaper, *jobtable.Table) {
	tbl := jobtable.New()
	wheel := timers.New()
	machine := &statemachine.Machine{
		Events: eventstore.New(),
		Spawn:  noopSpawner{},
		Table:  tbl,
		Now:    func() time.Time { return time.Unix(0, 0) },
	}
	r := &Reaper{
		Wait:    &fakeWaiter{results: results},
		Table:   tbl,
		Timers:  wheel,
		Machine: machine,
	}
	return r, tbl
}

func TestReapUnknownPidIsIgnored(t *testing.T) {
	r, _ := newReaper([]waitResult{{pid: 999, ws: exitedStatus(0)}})
	assert.NotPanics(t, func() { r.Drain() })
}

func TestReapNormalExitDuringStartingFallsThroughToRunning(t *testing.T) {
	cfg := &job.Config{Name: "logd", Script: "/bin/cat"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStart
	j.State = job.StateStarting
	j.Slot.ProcessState = job.ProcessSpawned

	r, tbl := newReaper([]waitResult{{pid: 55, ws: exitedStatus(0)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 55))

	r.Drain()

	assert.Equal(t, job.StateRunning, j.State)
	assert.False(t, j.Failed)
	assert.Equal(t, 0, j.Slot.MainPid)
}

func TestReapFailureDuringStartingForcesStop(t *testing.T) {
	cfg := &job.Config{Name: "broken", PreStart: "exit 1"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStart
	j.State = job.StateStarting
	j.Slot.ProcessState = job.ProcessSpawned

	r, tbl := newReaper([]waitResult{{pid: 10, ws: exitedStatus(3)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 10))

	r.Drain()

	assert.True(t, j.Failed)
	assert.Equal(t, job.StateStarting, j.FailedState)
	assert.Equal(t, job.GoalStop, j.Goal)
}

func TestReapFailureDuringRunningNonRespawnStops(t *testing.T) {
	cfg := &job.Config{Name: "oneshot", Stop: "/bin/true"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStart
	j.State = job.StateRunning
	j.Slot.ProcessState = job.ProcessActive

	r, tbl := newReaper([]waitResult{{pid: 21, ws: exitedStatus(1)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 21))

	r.Drain()

	assert.True(t, j.Failed)
	assert.Equal(t, job.GoalStop, j.Goal)
	assert.Equal(t, job.StateStopping, j.State)
}

func TestReapRunningRespawnJobKeepsGoalStart(t *testing.T) {
	cfg := &job.Config{Name: "flap", RespawnFlag: true}
	j := job.New(cfg, "")
	j.Goal = job.GoalStart
	j.State = job.StateRunning
	j.Slot.ProcessState = job.ProcessActive

	r, tbl := newReaper([]waitResult{{pid: 31, ws: exitedStatus(1)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 31))

	r.Drain()

	assert.True(t, j.Failed)
	assert.Equal(t, job.GoalStart, j.Goal)
	assert.Equal(t, job.StateRunning, j.State, "no respawn script falls through RESPAWNING back to RUNNING")
}

func TestReapSignaledDeathIsFailure(t *testing.T) {
	cfg := &job.Config{Name: "sticky"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStop
	j.State = job.StateStopping
	j.Slot.ProcessState = job.ProcessKilled

	r, tbl := newReaper([]waitResult{{pid: 41, ws: signaledStatus(unix.SIGKILL)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 41))

	r.Drain()

	assert.True(t, j.Failed)
	assert.Equal(t, job.StateWaiting, j.State)
}

func TestReapCancelsKillTimer(t *testing.T) {
	cfg := &job.Config{Name: "svc"}
	j := job.New(cfg, "")
	j.Goal = job.GoalStop
	j.State = job.StateStopping
	j.Slot.ProcessState = job.ProcessKilled

	r, tbl := newReaper([]waitResult{{pid: 51, ws: exitedStatus(0)}})
	tbl.Put(j)
	require.NoError(t, tbl.IndexPid(j, jobtable.SlotMain, 51))

	id := r.Timers.Arm(time.Unix(0, 0), time.Second, func() { t.Fatal("kill timer must not fire after reap") })
	j.KillTimerID = int64(id)

	r.Drain()

	assert.Zero(t, j.KillTimerID)
	assert.False(t, r.Timers.Pending(id))
}
