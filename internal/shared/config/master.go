package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MasterConfig contains all configuration for the master service.
type MasterConfig struct {
	REST    RESTConfig    `mapstructure:"rest"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC server and client configuration.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	Advertise         string        `mapstructure:"advertise"`
	// EnableReflection lets tools list the services. The JSON-coded
	// services carry no proto descriptors, so they cannot be described.
	EnableReflection  bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime  time.Duration `mapstructure:"keepalive_min_time"`
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// HealthConfig contains worker health checking configuration.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// EngineConfig holds the job execution tunables.
type EngineConfig struct {
	MaxJobs        int           `mapstructure:"max_jobs"`
	QueueTick      time.Duration `mapstructure:"queue_tick"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	JobReapDelay   time.Duration `mapstructure:"job_reap_delay"`

	TickInterval     time.Duration `mapstructure:"tick_interval"`
	MaxStartsPerTick int           `mapstructure:"max_starts_per_tick"`
	MaxThreads       int           `mapstructure:"max_threads"`

	ActionTimeout   time.Duration `mapstructure:"action_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RetryQuickDelay time.Duration `mapstructure:"retry_quick_delay"`
	// ReplaceWhenDown replaces a failed task as soon as its server is
	// reported down instead of after MaxRetries failures.
	ReplaceWhenDown bool          `mapstructure:"replace_when_down"`

	ServerTaskMax int `mapstructure:"server_task_max"`
	ServerXferMax int `mapstructure:"server_xfer_max"`
	JobXferMax    int `mapstructure:"job_xfer_max"`

	ReduceFactor float64 `mapstructure:"reduce_factor"`
	BaseDir      string  `mapstructure:"base_dir"`

	PlannerProgram string        `mapstructure:"planner_program"`
	PlannerTimeout time.Duration `mapstructure:"planner_timeout"`

	RPCTimeout   time.Duration `mapstructure:"rpc_timeout"`
	DeleteBatch  int           `mapstructure:"delete_batch"`
	CancelRounds int           `mapstructure:"cancel_rounds"`
	CancelPause  time.Duration `mapstructure:"cancel_pause"`

	SpecMinWidth   int           `mapstructure:"spec_min_width"`
	SpecMinServers int           `mapstructure:"spec_min_servers"`
	SpecMinDone    float64       `mapstructure:"spec_min_done"`
	SpecMinElapsed time.Duration `mapstructure:"spec_min_elapsed"`
}

// DefaultEngineConfig returns the engine defaults used when no file overrides them.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxJobs:          2,
		QueueTick:        5 * time.Second,
		StatusInterval:   5 * time.Second,
		JobReapDelay:     15 * time.Second,
		TickInterval:     5 * time.Second,
		MaxStartsPerTick: 20,
		MaxThreads:       5,
		ActionTimeout:    30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       15 * time.Second,
		RetryQuickDelay:  5 * time.Second,
		ServerTaskMax:    10,
		ServerXferMax:    20,
		JobXferMax:       48,
		ReduceFactor:     1.95,
		BaseDir:          "mrtmp",
		PlannerTimeout:   15 * time.Minute,
		RPCTimeout:       30 * time.Second,
		DeleteBatch:      50,
		CancelRounds:     2,
		CancelPause:      time.Second,
		SpecMinWidth:     5,
		SpecMinServers:   5,
		SpecMinDone:      0.8,
		SpecMinElapsed:   60 * time.Second,
	}
}

// LoadMaster loads the master configuration from the given path.
// If configPath is empty, it looks for master.yaml in the config/ directory.
// Environment variables with QUINCY_MASTER_ prefix override config file values.
func LoadMaster(configPath string) (*MasterConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)

	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.advertise", "")
	v.SetDefault("grpc.enable_reflection", false)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.keepalive_time", 30*time.Second)
	v.SetDefault("grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("grpc.heartbeat_interval", 5*time.Second)

	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.stale_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	setEngineDefaults(v, DefaultEngineConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("master")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("QUINCY_MASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg MasterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setEngineDefaults(v *viper.Viper, e EngineConfig) {
	v.SetDefault("engine.max_jobs", e.MaxJobs)
	v.SetDefault("engine.queue_tick", e.QueueTick)
	v.SetDefault("engine.status_interval", e.StatusInterval)
	v.SetDefault("engine.job_reap_delay", e.JobReapDelay)
	v.SetDefault("engine.tick_interval", e.TickInterval)
	v.SetDefault("engine.max_starts_per_tick", e.MaxStartsPerTick)
	v.SetDefault("engine.max_threads", e.MaxThreads)
	v.SetDefault("engine.action_timeout", e.ActionTimeout)
	v.SetDefault("engine.max_retries", e.MaxRetries)
	v.SetDefault("engine.retry_delay", e.RetryDelay)
	v.SetDefault("engine.retry_quick_delay", e.RetryQuickDelay)
	v.SetDefault("engine.replace_when_down", e.ReplaceWhenDown)
	v.SetDefault("engine.server_task_max", e.ServerTaskMax)
	v.SetDefault("engine.server_xfer_max", e.ServerXferMax)
	v.SetDefault("engine.job_xfer_max", e.JobXferMax)
	v.SetDefault("engine.reduce_factor", e.ReduceFactor)
	v.SetDefault("engine.base_dir", e.BaseDir)
	v.SetDefault("engine.planner_program", e.PlannerProgram)
	v.SetDefault("engine.planner_timeout", e.PlannerTimeout)
	v.SetDefault("engine.rpc_timeout", e.RPCTimeout)
	v.SetDefault("engine.delete_batch", e.DeleteBatch)
	v.SetDefault("engine.cancel_rounds", e.CancelRounds)
	v.SetDefault("engine.cancel_pause", e.CancelPause)
	v.SetDefault("engine.spec_min_width", e.SpecMinWidth)
	v.SetDefault("engine.spec_min_servers", e.SpecMinServers)
	v.SetDefault("engine.spec_min_done", e.SpecMinDone)
	v.SetDefault("engine.spec_min_elapsed", e.SpecMinElapsed)
}

// Validate rejects settings the engine cannot run with.
func (e EngineConfig) Validate() error {
	switch {
	case e.MaxJobs <= 0:
		return fmt.Errorf("engine.max_jobs must be greater than 0")
	case e.MaxThreads <= 0:
		return fmt.Errorf("engine.max_threads must be greater than 0")
	case e.MaxRetries <= 0:
		return fmt.Errorf("engine.max_retries must be greater than 0")
	case e.TickInterval <= 0:
		return fmt.Errorf("engine.tick_interval must be greater than 0")
	case e.ActionTimeout <= 0:
		return fmt.Errorf("engine.action_timeout must be greater than 0")
	case e.ReduceFactor <= 0:
		return fmt.Errorf("engine.reduce_factor must be greater than 0")
	case e.DeleteBatch <= 0:
		return fmt.Errorf("engine.delete_batch must be greater than 0")
	}
	return nil
}
