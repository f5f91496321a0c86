// Package supervisor implements spec §5: the single-threaded,
// cooperative main loop that owns JobTable, EventStore, and the timer
// wheel, and is the only place those are mutated from. Everything else
// (signal handlers, the control plane) only ever enqueues work for this
// loop to pick up on its next iteration.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreinit/initd/internal/dispatcher"
	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/jobtable"
	"github.com/coreinit/initd/internal/logging"
	"github.com/coreinit/initd/internal/metrics"
	"github.com/coreinit/initd/internal/reaper"
	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/internal/timers"
	"github.com/coreinit/initd/pkg/job"
)

var log = logging.Default()

// idlePollInterval bounds how long the loop ever blocks with nothing
// armed — long enough to be cheap, short enough that a timer with no
// signal to wake it (e.g. a kill_timer on an otherwise quiet system)
// still fires close to on time.
const idlePollInterval = 250 * time.Millisecond

// ReloadFunc re-reads job definitions from disk and reconciles them
// against the JobTable. Supplied by cmd/initd's wiring.
type ReloadFunc func(tbl *jobtable.Table, events *eventstore.Store) error

// Supervisor is the Scheduler/MainLoop component of spec §2.10: the
// thing that calls Reaper, Dispatcher, and the timer wheel in order each
// iteration per §5.
type Supervisor struct {
	Jobs       *jobtable.Table
	Events     *eventstore.Store
	Timers     *timers.Wheel
	Machine    *statemachine.Machine
	Reap       *reaper.Reaper
	Dispatch   *dispatcher.Dispatcher
	Metrics    *metrics.Collector
	ReloadFn   ReloadFunc
	Now        func() time.Time

	paused bool
	sigCh  chan os.Signal
}

// New wires a Supervisor from its collaborators. Metrics may be nil.
func New(
	jobs *jobtable.Table,
	events *eventstore.Store,
	wheel *timers.Wheel,
	machine *statemachine.Machine,
	reap *reaper.Reaper,
	dispatch *dispatcher.Dispatcher,
	m *metrics.Collector,
) *Supervisor {
	return &Supervisor{
		Jobs:     jobs,
		Events:   events,
		Timers:   wheel,
		Machine:  machine,
		Reap:     reap,
		Dispatch: dispatch,
		Metrics:  m,
		Now:      time.Now,
	}
}

// Run is the main loop of spec §5: signal delivery, reaping,
// dispatch-until-queue-and-no-new-events, timer firing. It blocks until
// ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.sigCh = make(chan os.Signal, 16)
	signal.Notify(s.sigCh,
		syscall.SIGCHLD,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGWINCH,
		syscall.SIGPWR,
		syscall.SIGTSTP,
		syscall.SIGCONT,
	)
	defer signal.Stop(s.sigCh)

	s.Events.EmitEdge("startup", nil, nil)

	for {
		s.tick()

		wait := idlePollInterval
		if d, ok := s.Timers.NextDeadline(); ok {
			if remaining := d.Sub(s.Now()); remaining < wait {
				wait = remaining
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case sig := <-s.sigCh:
			timer.Stop()
			s.handleSignal(sig)
		case <-timer.C:
		}
	}
}

// tick runs one pass: reap, dispatch until a pass leaves the queue
// empty, fire timers — spec §5 steps 2-4. Pause (§4.8) suppresses
// dispatch and stall detection but never reaping: a paused daemon must
// still reap terminated children or they pile up as zombies.
func (s *Supervisor) tick() {
	s.Reap.Drain()
	if !s.paused {
		s.Dispatch.Run()
		for s.Events.Pending() {
			s.Dispatch.Run()
		}
	}
	s.Timers.Poll(s.Now())
	s.updateMetrics()
}

func (s *Supervisor) updateMetrics() {
	if s.Metrics == nil {
		return
	}
	var running, atRest, total int
	for _, j := range s.Jobs.All() {
		total++
		if j.State == job.StateRunning {
			running++
		}
		if j.AtRest() {
			atRest++
		}
	}
	s.Metrics.UpdateJobStats(running, atRest, total)
}

// handleSignal maps the fixed set of signals spec §5 lists to their
// documented effect. SIGCHLD needs no bespoke handling here: its only
// job is to wake the select above so the next tick's Reap.Drain() runs.
func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		// handled by the next tick()
	case syscall.SIGHUP:
		s.reload()
	case syscall.SIGINT:
		s.Events.EmitEdge("ctrlaltdel", nil, nil)
	case syscall.SIGWINCH:
		s.Events.EmitEdge("kbdrequest", nil, nil)
	case syscall.SIGPWR:
		s.Events.EmitEdge("power-status-changed", nil, nil)
	case syscall.SIGTSTP:
		s.paused = true
	case syscall.SIGCONT:
		s.paused = false
	}
}

func (s *Supervisor) reload() {
	if s.ReloadFn == nil {
		return
	}
	if err := s.ReloadFn(s.Jobs, s.Events); err != nil {
		log.Error("config reload failed", "error", err)
	}
}

// Pause and Resume let the control plane and tests drive the same
// paused flag SIGTSTP/SIGCONT do.
func (s *Supervisor) Pause()  { s.paused = true }
func (s *Supervisor) Resume() { s.paused = false }
func (s *Supervisor) Paused() bool { return s.paused }
