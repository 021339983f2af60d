// Package config loads the supervisor configuration from a YAML file
// with environment overrides for the common tuning knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the supervisor.
type Config struct {
	// DataDir holds the sqlite database and session state.
	DataDir string `mapstructure:"data_dir"`
	// GroupsDir is the root under which each group's work directory lives.
	GroupsDir string `mapstructure:"groups_dir"`
	// IPCDir is the base of the file mailbox shared with workloads.
	IPCDir string `mapstructure:"ipc_dir"`
	// AdminFolder is the privileged home folder allowed to target any group.
	AdminFolder string `mapstructure:"admin_folder"`

	Workloads WorkloadConfig  `mapstructure:"workloads"`
	Queue     QueueConfig     `mapstructure:"queue"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorkloadConfig describes how workloads are launched.
type WorkloadConfig struct {
	// ContainerImage is the image run for container-class groups.
	ContainerImage string `mapstructure:"container_image"`
	// ContainerBinary is the container engine CLI (docker-compatible).
	ContainerBinary string `mapstructure:"container_binary"`
	// HostBinary is the agent runtime executed for host-class groups.
	HostBinary string `mapstructure:"host_binary"`
	// RunTimeout bounds a single workload pass.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// QueueConfig caps the two capacity pools and tunes teardown deadlines.
type QueueConfig struct {
	MaxContainers int           `mapstructure:"max_containers"`
	MaxHosts      int           `mapstructure:"max_hosts"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	ForceGrace    time.Duration `mapstructure:"force_grace"`
	RestartGrace  time.Duration `mapstructure:"restart_grace"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// IPCConfig tunes the mailbox watcher.
type IPCConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SchedulerConfig tunes the durable task scheduler.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timezone     string        `mapstructure:"timezone"`
}

// HTTPConfig is the admin/status listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file from WARDEN_CONFIG (default
// /etc/warden/warden.yaml), applying defaults first so a missing file
// still yields a usable configuration.
func Load() (*Config, error) {
	path := os.Getenv("WARDEN_CONFIG")
	if path == "" {
		path = "/etc/warden/warden.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("WARDEN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/warden")
	v.SetDefault("groups_dir", "/var/lib/warden/groups")
	v.SetDefault("ipc_dir", "/var/lib/warden/ipc")
	v.SetDefault("admin_folder", "main")

	v.SetDefault("workloads.container_image", "warden/agent:latest")
	v.SetDefault("workloads.container_binary", "docker")
	v.SetDefault("workloads.host_binary", "warden-agent")
	v.SetDefault("workloads.run_timeout", 30*time.Minute)

	v.SetDefault("queue.max_containers", 5)
	v.SetDefault("queue.max_hosts", 2)
	v.SetDefault("queue.stop_grace", 10*time.Second)
	v.SetDefault("queue.force_grace", 5*time.Second)
	v.SetDefault("queue.restart_grace", 20*time.Second)
	v.SetDefault("queue.shutdown_grace", 30*time.Second)

	v.SetDefault("ipc.poll_interval", time.Second)

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("http.addr", ":8190")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
