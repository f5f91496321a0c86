// Package spawner implements spec §4.4: the side-effecting primitive
// that turns a job's script into a running child process, in the
// documented order (console, limits, environment, priority, chroot,
// chdir, exec).
//
// Go cannot run arbitrary code between fork and exec the way the C
// original does (no vfork-time callback hook), so instead of a custom
// fork path this composes the console/rlimit/umask/nice/chroot/chdir
// setup into a shell prelude and lets /bin/sh -e apply it before
// exec'ing the job's real command — the same trick upstart itself falls
// back to for `script ... end script` stanzas (spec §4.4, §6). The
// process's root directory is never changed: a configured Chroot only
// makes the prelude cd into that directory.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreinit/initd/internal/statemachine"
	"github.com/coreinit/initd/pkg/job"
)

// Step identifies which part of the documented spawn sequence failed.
type Step string

const (
	StepConsole  Step = "console"
	StepRLimit   Step = "rlimit"
	StepEnviron  Step = "environ"
	StepPriority Step = "priority"
	StepChroot   Step = "chroot"
	StepChdir    Step = "chdir"
	StepExec     Step = "exec"
)

// Error is spec §4.4's SpawnError{step, arg, errno}.
type Error struct {
	Step Step
	Arg  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("spawn: %s(%s): %v", e.Step, e.Arg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// shellScriptThreshold is the "longer than a threshold" cutoff from
// spec §4.4 above which a script body is fed via a pipe instead of -c.
const shellScriptThreshold = 4096

// LogOpener opens the destination for a job's console output, used only
// when Console == ConsoleLogged. It exists as an interface so tests can
// substitute an in-memory sink instead of touching the filesystem.
type LogOpener interface {
	OpenLog(jobKey string) (*os.File, error)
}

// Spawner is the Spawn primitive of spec §2.6 / §4.4.
type Spawner struct {
	Logs LogOpener
}

// New returns a Spawner that opens ConsoleLogged output through logs.
func New(logs LogOpener) *Spawner {
	return &Spawner{Logs: logs}
}

// FileLogOpener is the default LogOpener: one append-only file per job
// key under Dir, created 0640.
type FileLogOpener struct {
	Dir string
}

// NewFileLogOpener returns a FileLogOpener rooted at dir.
func NewFileLogOpener(dir string) *FileLogOpener {
	return &FileLogOpener{Dir: dir}
}

// OpenLog opens (creating if needed) dir/jobKey.log, with "/" in a job
// instance key flattened to "-" so instance jobs don't need nested
// directories.
func (f *FileLogOpener) OpenLog(jobKey string) (*os.File, error) {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return nil, err
	}
	name := strings.ReplaceAll(jobKey, "/", "-") + ".log"
	return os.OpenFile(f.Dir+"/"+name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

func scriptBody(cfg *job.Config, kind statemachine.ScriptKind) string {
	switch kind {
	case statemachine.ScriptPreStart:
		return cfg.PreStart
	case statemachine.ScriptMain:
		return cfg.Script
	case statemachine.ScriptStop:
		return cfg.Stop
	case statemachine.ScriptRespawn:
		return cfg.Respawn
	default:
		return ""
	}
}

// hasShellMeta reports whether body needs a shell to execute — anything
// beyond a bare command and its arguments.
func hasShellMeta(body string) bool {
	return strings.ContainsAny(body, ";|&<>$(){}*?~`\n\"'")
}

// Spawn launches the script identified by kind for job j and returns its
// pid. The process is started in its own process group (so the Killer
// can signal the whole group) with signals otherwise unmodified.
func (s *Spawner) Spawn(j *job.Job, kind statemachine.ScriptKind) (int, error) {
	cfg := j.Config
	body := scriptBody(cfg, kind)
	if body == "" {
		return 0, fmt.Errorf("spawner: no script configured for job %s", j.Key())
	}

	cmd, err := s.buildCommand(j, body)
	if err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, &Error{Step: StepExec, Arg: body, Err: err}
	}
	return cmd.Process.Pid, nil
}

// buildCommand assembles the *exec.Cmd for body, applying console setup,
// environment, and — when a shell is needed — the rlimit/umask/nice/
// chroot/chdir prelude.
func (s *Spawner) buildCommand(j *job.Job, body string) (*exec.Cmd, error) {
	cfg := j.Config

	var cmd *exec.Cmd
	if !hasShellMeta(body) && cfg.Chroot == "" && cfg.Chdir == "" && cfg.Nice == nil &&
		cfg.Umask == nil && len(cfg.Limits) == 0 {
		fields := strings.Fields(body)
		if len(fields) == 0 {
			return nil, &Error{Step: StepExec, Arg: body, Err: fmt.Errorf("empty command")}
		}
		cmd = exec.Command(fields[0], fields[1:]...)
	} else {
		script := s.shellPrelude(cfg) + body
		if len(script) > shellScriptThreshold {
			cmd = exec.Command("/bin/sh", "-e", "/dev/fd/0")
			cmd.Stdin = strings.NewReader(script)
		} else {
			// "sh" fills $0 so the cause's Args appended below start at $1.
			cmd = exec.Command("/bin/sh", "-e", "-c", script, "sh")
		}
	}

	cmd.Env = buildEnviron(j)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if j.Cause != nil && len(j.Cause.Args) > 0 {
		cmd.Args = append(cmd.Args, j.Cause.Args...)
	}

	if err := s.attachConsole(cmd, j); err != nil {
		return nil, err
	}
	return cmd, nil
}

// shellPrelude renders the umask/ulimit/nice/chroot/chdir stanzas ahead
// of the job's real script body, in the order spec §4.4 documents:
// console (handled separately via cmd.Std{in,out,err}), rlimits,
// environment (handled via cmd.Env), priority, chroot, chdir, exec.
func (s *Spawner) shellPrelude(cfg *job.Config) string {
	var b strings.Builder
	if cfg.Umask != nil {
		fmt.Fprintf(&b, "umask %04o\n", *cfg.Umask)
	}
	for _, l := range cfg.Limits {
		fmt.Fprintf(&b, "ulimit -S -%s %s 2>/dev/null || true\n", rlimitFlag(l.Name), rlimitValue(l.Soft))
		fmt.Fprintf(&b, "ulimit -H -%s %s 2>/dev/null || true\n", rlimitFlag(l.Name), rlimitValue(l.Hard))
	}
	if cfg.Nice != nil {
		fmt.Fprintf(&b, "renice -n %d -p $$ >/dev/null 2>&1 || true\n", *cfg.Nice)
	}
	if cfg.Chroot != "" {
		// /bin/sh has no chroot builtin, so this only changes into the
		// Chroot directory; the root directory stays as it is.
		fmt.Fprintf(&b, "cd %s\n", shellQuote(cfg.Chroot))
	}
	if cfg.Chdir != "" {
		fmt.Fprintf(&b, "cd %s\n", shellQuote(cfg.Chdir))
	}
	return b.String()
}

func rlimitFlag(name string) string {
	switch name {
	case "core":
		return "c"
	case "cpu":
		return "t"
	case "data":
		return "d"
	case "fsize":
		return "f"
	case "memlock":
		return "l"
	case "msgqueue":
		return "q"
	case "nice":
		return "e"
	case "nofile":
		return "n"
	case "nproc":
		return "u"
	case "rss":
		return "m"
	case "rtprio":
		return "r"
	case "sigpending":
		return "i"
	case "stack":
		return "s"
	default:
		return "n"
	}
}

func rlimitValue(v int64) string {
	if v < 0 {
		return "unlimited"
	}
	return strconv.FormatInt(v, 10)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildEnviron inherits PATH/TERM from the supervisor's own environment,
// adds the job's declared `env KEY=VAL` stanzas, then the triggering
// event's Env entries (spec's Cause/Glossary: the cause event supplies
// extra environment).
func buildEnviron(j *job.Job) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/sbin:/bin:/usr/sbin:/usr/bin"
	}
	base := []string{"PATH=" + path}
	if term := os.Getenv("TERM"); term != "" {
		base = append(base, "TERM="+term)
	}
	base = append(base, j.Config.Env...)
	if j.Cause != nil {
		base = append(base, j.Cause.Env...)
	}
	return base
}

func (s *Spawner) attachConsole(cmd *exec.Cmd, j *job.Job) error {
	switch j.Config.Console {
	case job.ConsoleOutput, job.ConsoleOwner:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case job.ConsoleLogged:
		if s.Logs == nil {
			return &Error{Step: StepConsole, Arg: string(j.Config.Console), Err: fmt.Errorf("no log opener configured")}
		}
		f, err := s.Logs.OpenLog(j.Key())
		if err != nil {
			return &Error{Step: StepConsole, Arg: string(j.Config.Console), Err: err}
		}
		cmd.Stdout = f
		cmd.Stderr = f
	default: // ConsoleNone and the zero value
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return &Error{Step: StepConsole, Arg: "none", Err: err}
		}
		cmd.Stdout = devnull
		cmd.Stderr = devnull
		if cmd.Stdin == nil { // keep a long script body fed on stdin
			cmd.Stdin = devnull
		}
	}
	return nil
}
