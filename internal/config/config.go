// Package config loads the daemon's own YAML configuration and the
// per-job YAML definitions under its jobs directory, turning both into
// the runtime types internal/supervisor and pkg/job operate on —
// generalizing the teacher's single flat Config/loadConfig pair (see
// internal/cli/cli.go) into two loaders matching spec §6's JobConfig
// stanza list.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreinit/initd/pkg/event"
	"github.com/coreinit/initd/pkg/job"
)

// Duration unmarshals YAML duration strings ("5s", "250ms") the way
// time.Duration itself doesn't: time.Duration has no UnmarshalYAML, so
// a plain `yaml:"kill_timeout"` field would only ever accept raw
// nanosecond integers. This is the standard workaround used throughout
// the yaml.v3 ecosystem.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Daemon is the supervisor's own configuration — spec §6's "out of
// scope" parser, generalized here to also own the daemon-level
// sections SPEC_FULL.md §3 assigns to the ambient/domain stack.
type Daemon struct {
	JobsDir string `yaml:"jobs_dir"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Control struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"control"`

	Log struct {
		Mode string `yaml:"mode"` // "development" or "production"
	} `yaml:"log"`
}

// LoadDaemon reads and parses the daemon's own YAML config file.
func LoadDaemon(path string) (*Daemon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var d Daemon
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if d.JobsDir == "" {
		d.JobsDir = "configs/jobs"
	}
	if d.Log.Mode == "" {
		d.Log.Mode = "development"
	}
	return &d, nil
}

// jobFile mirrors spec §6's enumerated stanza list, yaml-tagged for the
// on-disk job definition format.
type jobFile struct {
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Version     string `yaml:"version"`

	Exec      string `yaml:"exec"`
	Script    string `yaml:"script"`
	PreStart  string `yaml:"pre_start"`
	PostStart string `yaml:"post_start"`
	PreStop   string `yaml:"pre_stop"`
	PostStop  string `yaml:"post_stop"`
	Stop      string `yaml:"stop"`
	Respawn   string `yaml:"respawn"`

	StartOn []patternFile `yaml:"start_on"`
	StopOn  []patternFile `yaml:"stop_on"`
	Emits   []string      `yaml:"emits"`

	RespawnFlag bool `yaml:"respawn_flag"`
	Daemon      bool `yaml:"daemon"`
	Service     bool `yaml:"service"`
	Instance    bool `yaml:"instance"`

	RespawnLimit struct {
		Count    int      `yaml:"count"`
		Interval Duration `yaml:"interval"`
	} `yaml:"respawn_limit"`

	KillTimeout Duration `yaml:"kill_timeout"`
	PidTimeout  Duration `yaml:"pid_timeout"`
	PidFile     string   `yaml:"pid_file"`
	PidBinary   string   `yaml:"pid_binary"`

	NormalExit []int `yaml:"normal_exit"`

	Console string   `yaml:"console"`
	Env     []string `yaml:"env"`
	Umask   *uint32  `yaml:"umask"`
	Nice    *int     `yaml:"nice"`
	Limits  []struct {
		Name string `yaml:"name"`
		Soft int64  `yaml:"soft"`
		Hard int64  `yaml:"hard"`
	} `yaml:"limits"`
	Chroot string `yaml:"chroot"`
	Chdir  string `yaml:"chdir"`

	Expect string `yaml:"expect"`
}

type patternFile struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadJobs parses every *.yaml/*.yml file in dir into a job.Config,
// keyed by the base filename (without extension) as the job's Name.
func LoadJobs(dir string) ([]*job.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read jobs dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // deterministic load order for tests and logs

	var out []*job.Config
	for _, name := range names {
		path := filepath.Join(dir, name)
		cfg, err := loadJob(path, jobName(name))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func jobName(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

func loadJob(path, name string) (*job.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return toJobConfig(name, jf)
}

func toJobConfig(name string, jf jobFile) (*job.Config, error) {
	script := jf.Exec
	if script == "" {
		script = jf.Script
	}

	cfg := &job.Config{
		Name:        name,
		Description: jf.Description,
		Author:      jf.Author,
		Version:     jf.Version,

		PreStart:  jf.PreStart,
		Script:    script,
		PostStart: jf.PostStart,
		PreStop:   jf.PreStop,
		Stop:      jf.Stop,
		PostStop:  jf.PostStop,
		Respawn:   jf.Respawn,

		Emits: jf.Emits,

		RespawnFlag: jf.RespawnFlag,
		Daemon:      jf.Daemon,
		Service:     jf.Service,
		Instance:    jf.Instance,

		RespawnLimit: job.RespawnLimit{
			Limit:    jf.RespawnLimit.Count,
			Interval: time.Duration(jf.RespawnLimit.Interval),
		},
		KillTimeout: time.Duration(jf.KillTimeout),
		PidTimeout:  time.Duration(jf.PidTimeout),
		PidFile:     jf.PidFile,
		PidBinary:   jf.PidBinary,

		NormalExit: jf.NormalExit,

		Console: job.Console(jf.Console),
		Env:     jf.Env,
		Umask:   jf.Umask,
		Nice:    jf.Nice,
		Chroot:  jf.Chroot,
		Chdir:   jf.Chdir,

		Expect: job.ExpectMode(jf.Expect),
	}

	for _, l := range jf.Limits {
		cfg.Limits = append(cfg.Limits, job.RLimit{Name: l.Name, Soft: l.Soft, Hard: l.Hard})
	}
	for _, p := range jf.StartOn {
		cfg.StartOn = append(cfg.StartOn, event.NewPattern(p.Name, p.Value))
	}
	for _, p := range jf.StopOn {
		cfg.StopOn = append(cfg.StopOn, event.NewPattern(p.Name, p.Value))
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: job %s: %w", name, err)
	}
	return cfg, nil
}

func validate(cfg *job.Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("missing name")
	}
	if cfg.Script == "" && cfg.PreStart == "" && cfg.Stop == "" && cfg.Respawn == "" {
		return fmt.Errorf("job has no exec/script and no scripts at all")
	}
	if cfg.Console != "" {
		switch cfg.Console {
		case job.ConsoleLogged, job.ConsoleOutput, job.ConsoleOwner, job.ConsoleNone:
		default:
			return fmt.Errorf("invalid console mode %q", cfg.Console)
		}
	}
	if cfg.Expect != "" {
		switch cfg.Expect {
		case job.ExpectFork, job.ExpectDaemon, job.ExpectStop:
		default:
			return fmt.Errorf("invalid expect mode %q", cfg.Expect)
		}
	}
	return nil
}
