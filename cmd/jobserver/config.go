package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces environment variables. A flag's variable is the
// prefix followed by its name in upper case with dashes as underscores, e.g.
// JOBSERVER_JOBS_DIR for --jobs-dir.
const envPrefix = "JOBSERVER_"

type config struct {
	host             string
	port             int
	backlog          int
	jobsDir          string
	logPath          string
	maxJobs          int
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration
	debug            bool

	configPath string
}

func (c *config) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.host, "host", "", "Address to bind, all interfaces if empty")
	fs.IntVar(&c.port, "port", 50000, "Port to listen on")
	fs.IntVar(&c.backlog, "backlog", 5, "Listen backlog")
	fs.StringVar(&c.jobsDir, "jobs-dir", "jobs", "Directory containing runnable jobs")
	fs.StringVar(&c.logPath, "log-path", "server.log", "Path to the server log")
	fs.IntVar(&c.maxJobs, "max-jobs", 32, "Maximum number of jobs held at once")

	fs.DurationVar(
		&c.handshakeTimeout,
		"handshake-timeout",
		2*time.Second,
		"How long to wait for a new job to report its pid",
	)

	fs.DurationVar(
		&c.shutdownTimeout,
		"shutdown-timeout",
		3*time.Second,
		"How long to wait for a job's supervisor to exit before killing it",
	)

	fs.BoolVar(&c.debug, "debug", false, "Enable debug logs")
	fs.StringVar(&c.configPath, "config", "", "Path to a YAML config file")
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// load layers the config file and then the environment under any flags set
// explicitly on the command line, and validates the result. Config file keys
// are flag names.
func (c *config) load(
	fs *pflag.FlagSet,
	files afero.Fs,
	lookupEnv func(string) (string, bool),
) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	path := c.configPath
	if !explicit["config"] {
		if v, ok := lookupEnv(envName("config")); ok {
			path = v
		}
	}

	if path != "" {
		if err := c.loadFile(fs, files, path, explicit); err != nil {
			return err
		}
	}

	var errs []error

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || explicit[f.Name] {
			return
		}

		if v, ok := lookupEnv(envName(f.Name)); ok {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
			}
		}
	})

	if err := errors.Join(errs...); err != nil {
		return err
	}

	return c.validate()
}

func (c *config) loadFile(
	fs *pflag.FlagSet,
	files afero.Fs,
	path string,
	explicit map[string]bool,
) error {
	data, err := afero.ReadFile(files, path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for name, v := range values {
		if name == "config" || fs.Lookup(name) == nil {
			return fmt.Errorf("config file %s: unknown key %q", path, name)
		}

		if explicit[name] {
			continue
		}

		if err := fs.Set(name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, name, err)
		}
	}

	return nil
}

func (c *config) validate() error {
	if c.port < 0 || c.port > 65535 {
		return errors.New("port must be in valid range")
	}

	if c.backlog < 1 {
		return errors.New("backlog must be positive")
	}

	if c.maxJobs < 1 {
		return errors.New("max-jobs must be positive")
	}

	if c.handshakeTimeout <= 0 {
		return errors.New("handshake-timeout must be positive")
	}

	if c.shutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}

	if c.jobsDir == "" {
		return errors.New("jobs-dir cannot be empty")
	}

	if c.logPath == "" {
		return errors.New("log-path cannot be empty")
	}

	return nil
}
