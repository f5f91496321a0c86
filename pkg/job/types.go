// Package job holds the declarative JobConfig and runtime Job types that
// the supervisor's state machine, spawner, killer, reaper and dispatcher
// all operate on — the "Job" and "JobConfig" components of spec §2.
package job

import (
	"time"

	"github.com/coreinit/initd/pkg/event"
)

// Goal is the target condition for a job, set by the dispatcher.
type Goal int

const (
	// GoalStop is the initial goal on load.
	GoalStop Goal = iota
	GoalStart
)

func (g Goal) String() string {
	if g == GoalStart {
		return "start"
	}
	return "stop"
}

// State is the job's current point in its lifecycle.
type State int

const (
	// StateWaiting is the initial state on load.
	StateWaiting State = iota
	StateStarting
	StateRunning
	StateStopping
	StateRespawning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRespawning:
		return "respawning"
	default:
		return "waiting"
	}
}

// ProcessState tracks the liveness of a job's main process slot.
type ProcessState int

const (
	ProcessNone ProcessState = iota
	ProcessSpawned
	ProcessActive
	ProcessKilled
)

// Console selects how a spawned process's standard streams are wired up.
type Console string

const (
	ConsoleLogged Console = "logged"
	ConsoleOutput Console = "output"
	ConsoleOwner  Console = "owner"
	ConsoleNone   Console = "none"
)

// ExpectMode is the `expect` stanza (see SPEC_FULL.md §5.2). It is
// parsed and validated by internal/config; the state machine does not
// consult it, so RUNNING is entered the same way for every mode.
type ExpectMode string

const (
	ExpectNone   ExpectMode = ""
	ExpectFork   ExpectMode = "fork"
	ExpectDaemon ExpectMode = "daemon"
	ExpectStop   ExpectMode = "stop"
)

// RLimit is one `limit NAME SOFT HARD` stanza.
type RLimit struct {
	Name string
	Soft int64
	Hard int64
}

// RespawnLimit is the `respawn limit N M` rate-limit configuration.
// Zero value means "use the spec defaults" (limit 10 / interval 5s).
type RespawnLimit struct {
	Limit    int
	Interval time.Duration
}

// Config is the immutable declarative description of a job — spec §2.3
// / §6. It is produced by the out-of-scope job-definition parser (here:
// internal/config's thin YAML loader); nothing in this package mutates
// a Config after load.
type Config struct {
	Name string

	Description string
	Author      string
	Version     string

	// Scripts. Absent scripts are the empty string.
	PreStart  string
	Script    string // `exec`/`script ... end script` — the main command
	PostStart string
	PreStop   string
	Stop      string
	PostStop  string
	Respawn   string // respawn script (spec §4.3 RESPAWNING state)

	StartOn []event.Pattern
	StopOn  []event.Pattern
	Emits   []string

	RespawnFlag bool
	Daemon      bool
	Service     bool
	Instance    bool // spec §5.1 — instance jobs key Job by name+instanceKey

	RespawnLimit RespawnLimit
	KillTimeout  time.Duration // default 5s
	PidTimeout   time.Duration // default 10s — pid_discovery_timer
	PidFile      string
	PidBinary    string

	NormalExit []int // exit codes treated as "normal" even if non-zero

	Console Console
	Env     []string // KEY=VAL
	Umask   *uint32
	Nice    *int // -20..19
	Limits  []RLimit
	Chroot  string
	Chdir   string

	Expect ExpectMode
}

// EffectiveKillTimeout returns the configured kill timeout or the
// spec-mandated default of 5s.
func (c *Config) EffectiveKillTimeout() time.Duration {
	if c.KillTimeout > 0 {
		return c.KillTimeout
	}
	return 5 * time.Second
}

// EffectivePidTimeout returns the configured pid-discovery timeout or the
// spec-mandated default of 10s.
func (c *Config) EffectivePidTimeout() time.Duration {
	if c.PidTimeout > 0 {
		return c.PidTimeout
	}
	return 10 * time.Second
}

// EffectiveRespawnLimit returns the configured respawn rate limit or the
// spec-mandated defaults (limit 10, interval 5s).
func (c *Config) EffectiveRespawnLimit() RespawnLimit {
	rl := c.RespawnLimit
	if rl.Limit <= 0 {
		rl.Limit = 10
	}
	if rl.Interval <= 0 {
		rl.Interval = 5 * time.Second
	}
	return rl
}

// IsNormalExit reports whether code is treated as a normal (non-failure)
// exit for this job: code 0, or one of the configured `normalexit` codes.
func (c *Config) IsNormalExit(code int) bool {
	if code == 0 {
		return true
	}
	for _, n := range c.NormalExit {
		if n == code {
			return true
		}
	}
	return false
}

// Slot is the per-job process bookkeeping of spec §3's ProcessSlot.
type Slot struct {
	MainPid      int
	AuxPid       int
	ProcessState ProcessState
}

// Job is the runtime instance of a Config — spec §3's Job record.
type Job struct {
	Name         string
	InstanceKey  string // "" for non-instance jobs
	Config       *Config

	Goal  Goal
	State State
	Slot  Slot

	Cause   *event.Event
	Blocked *event.Event

	Failed      bool
	FailedState State
	ExitStatus  int

	KillTimerID         int64 // 0 = none; supervisor's timer wheel IDs
	PidDiscoveryTimerID int64

	RespawnCount       int
	RespawnWindowStart time.Time

	Delete bool
}

// New creates a fresh Job in its initial rest position (GoalStop,
// StateWaiting) for the given config.
func New(cfg *Config, instanceKey string) *Job {
	return &Job{
		Name:        cfg.Name,
		InstanceKey: instanceKey,
		Config:      cfg,
		Goal:        GoalStop,
		State:       StateWaiting,
	}
}

// Key is the JobTable lookup key: "name" for non-instance jobs, or
// "name/instanceKey" for instance jobs.
func (j *Job) Key() string {
	if j.InstanceKey == "" {
		return j.Name
	}
	return j.Name + "/" + j.InstanceKey
}

// AtRest reports the spec §3 invariant terminal position: goal=STOP and
// state=WAITING.
func (j *Job) AtRest() bool {
	return j.Goal == GoalStop && j.State == StateWaiting
}
