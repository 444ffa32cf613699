package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted by [runner] backend.
const (
	BackendContainer    = "container"
	BackendOrchestrator = "orchestrator"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Intake  IntakeConfig  `toml:"intake"`
	Runner  RunnerConfig  `toml:"runner"`
	Worker  WorkerConfig  `toml:"worker"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	// JobRoot receives persisted inputs (jobs/<id>/<stem>.zip).
	JobRoot string `toml:"job_root" validate:"required"`
	// ResultRoot receives runner output (jobs/<id>/...).
	ResultRoot string `toml:"result_root" validate:"required"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path string `toml:"path"` // Database directory path
}

// IntakeConfig bounds what uploads are admitted. Negative limits mean
// unbounded.
type IntakeConfig struct {
	MaxUploadBytes int64     `toml:"max_upload_bytes"`
	MaxQueuedJobs  int       `toml:"max_queued_jobs"` // counts QUEUED+RUNNING
	Zip            ZipConfig `toml:"zip"`
}

// ZipConfig mirrors the archive validator limits.
type ZipConfig struct {
	MaxFiles         int   `toml:"max_files"`
	MaxPathDepth     int   `toml:"max_path_depth"`
	MaxUnpackedBytes int64 `toml:"max_unpacked_bytes"`
	MaxFileBytes     int64 `toml:"max_file_bytes"`
}

// RunnerConfig selects and parameterizes the execution backend.
type RunnerConfig struct {
	Backend     string `toml:"backend" validate:"oneof=container orchestrator"`
	TimeoutSecs int    `toml:"timeout_secs" validate:"gt=0"`
	Image       string `toml:"image" validate:"required"`

	DockerBin string `toml:"docker_bin"`
	CPU       string `toml:"cpu"`
	Memory    string `toml:"memory"`
	PidsLimit string `toml:"pids_limit"`
	// Command overrides the image entrypoint; must be a single token. Args
	// come from ArgsTemplate with {input} and {output} placeholders.
	Command      string `toml:"command"`
	ArgsTemplate string `toml:"args_template"`

	// Container-internal roots and their host equivalents for bind mounts
	// when the API itself runs inside a container.
	ContainerJobRoot    string `toml:"container_job_root"`
	ContainerResultRoot string `toml:"container_result_root"`
	ContainerRepoRoot   string `toml:"container_repo_root"`
	HostJobRoot         string `toml:"host_job_root"`
	HostResultRoot      string `toml:"host_result_root"`
	HostRepoRoot        string `toml:"host_repo_root"`

	K8s K8sConfig `toml:"k8s"`
}

// K8sConfig parameterizes the orchestrator backend.
type K8sConfig struct {
	Namespace  string `toml:"namespace"`
	KubectlBin string `toml:"kubectl_bin"`
}

// WorkerConfig parameterizes the dispatcher supervisor.
type WorkerConfig struct {
	Sleep       string `toml:"sleep"` // tick interval, e.g. "1s"
	MetricsHost string `toml:"metrics_host"`
	MetricsPort int    `toml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values. Only
// user-facing settings are exposed in k2pweb.toml; technical parameters are
// hardcoded for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			JobRoot:    "./var/jobs",
			ResultRoot: "./var/results",
		},
		Intake: IntakeConfig{
			MaxUploadBytes: 50 * 1024 * 1024,
			MaxQueuedJobs:  50,
			Zip: ZipConfig{
				MaxFiles:         2000,
				MaxPathDepth:     20,
				MaxUnpackedBytes: 300 * 1024 * 1024,
				MaxFileBytes:     50 * 1024 * 1024,
			},
		},
		Runner: RunnerConfig{
			Backend:     BackendContainer,
			TimeoutSecs: 300,
			Image:       "ghcr.io/vitalii-kaplan/knime2py:main",
			DockerBin:   "docker",
			CPU:         "1.0",
			Memory:      "1g",
			PidsLimit:   "256",
			K8s: K8sConfig{
				Namespace:  "k2p",
				KubectlBin: "kubectl",
			},
		},
		Worker: WorkerConfig{
			Sleep:       "1s",
			MetricsHost: "0.0.0.0",
			MetricsPort: 8001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 ->
// file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks structural constraints on the resolved configuration.
func Validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.ParseDuration(config.Worker.Sleep); err != nil {
		return fmt.Errorf("invalid worker sleep interval %q: %w", config.Worker.Sleep, err)
	}
	return nil
}

// TickInterval returns the parsed dispatcher sleep interval.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Worker.Sleep)
	if err != nil {
		return time.Second
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("K2P_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("K2P_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("K2P_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if root := os.Getenv("K2P_JOB_STORAGE_ROOT"); root != "" {
		config.Storage.JobRoot = root
	}
	if root := os.Getenv("K2P_RESULT_STORAGE_ROOT"); root != "" {
		config.Storage.ResultRoot = root
	}

	if v := os.Getenv("K2P_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("K2P_MAX_QUEUED_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.MaxQueuedJobs = n
		}
	}
	if v := os.Getenv("K2P_MAX_ZIP_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.Zip.MaxFiles = n
		}
	}
	if v := os.Getenv("K2P_MAX_ZIP_PATH_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.Zip.MaxPathDepth = n
		}
	}
	if v := os.Getenv("K2P_MAX_UNPACKED_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.Zip.MaxUnpackedBytes = n
		}
	}
	if v := os.Getenv("K2P_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.Zip.MaxFileBytes = n
		}
	}

	if backend := os.Getenv("K2P_JOB_RUNNER_BACKEND"); backend != "" {
		config.Runner.Backend = backend
	}
	if v := os.Getenv("K2P_JOB_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Runner.TimeoutSecs = n
		}
	}
	if image := os.Getenv("K2P_IMAGE"); image != "" {
		config.Runner.Image = image
	}
	if bin := os.Getenv("K2P_DOCKER_BIN"); bin != "" {
		config.Runner.DockerBin = bin
	}
	if cpu := os.Getenv("K2P_CPU"); cpu != "" {
		config.Runner.CPU = cpu
	}
	if mem := os.Getenv("K2P_MEMORY"); mem != "" {
		config.Runner.Memory = mem
	}
	if pids := os.Getenv("K2P_PIDS_LIMIT"); pids != "" {
		config.Runner.PidsLimit = pids
	}
	if cmd := os.Getenv("K2P_COMMAND"); cmd != "" {
		config.Runner.Command = cmd
	}
	if tpl := os.Getenv("K2P_ARGS_TEMPLATE"); tpl != "" {
		config.Runner.ArgsTemplate = tpl
	}
	if root := os.Getenv("K2P_HOST_JOB_STORAGE_ROOT"); root != "" {
		config.Runner.HostJobRoot = root
	}
	if root := os.Getenv("K2P_HOST_RESULT_STORAGE_ROOT"); root != "" {
		config.Runner.HostResultRoot = root
	}
	if root := os.Getenv("K2P_HOST_REPO_ROOT"); root != "" {
		config.Runner.HostRepoRoot = root
	}
	if ns := os.Getenv("K2P_K8S_NAMESPACE"); ns != "" {
		config.Runner.K8s.Namespace = ns
	}

	if sleep := os.Getenv("K2P_WORKER_SLEEP"); sleep != "" {
		config.Worker.Sleep = sleep
	}
	if host := os.Getenv("K2P_WORKER_METRICS_ADDR"); host != "" {
		config.Worker.MetricsHost = host
	}
	if port := os.Getenv("K2P_WORKER_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Worker.MetricsPort = p
		}
	}

	if level := os.Getenv("K2P_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("K2P_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
