package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // json or console
	File      string `mapstructure:"file"`   // optional rotating log file
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

type BrokerConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	ClientID              string `mapstructure:"client_id"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	KeepAliveSeconds      int    `mapstructure:"keepalive_seconds"`
	QoS                   int    `mapstructure:"qos"`
	QueueSize             int    `mapstructure:"queue_size"`
}

type ControllerConfig struct {
	Listen                   string `mapstructure:"listen"`
	TelemetryTimeoutSeconds  int    `mapstructure:"telemetry_timeout_seconds"`
	DefaultChannel           int    `mapstructure:"default_channel"`
	ResultsPath              string `mapstructure:"results_path"`
	ReconnectIntervalSeconds int    `mapstructure:"reconnect_interval_seconds"`
}

type AgentConfig struct {
	DeviceID                 string `mapstructure:"device_id"`
	Interface                string `mapstructure:"interface"`
	Subnet                   string `mapstructure:"subnet"`
	HealthListen             string `mapstructure:"health_listen"`
	IperfBinary              string `mapstructure:"iperf_binary"`
	ResultPath               string `mapstructure:"result_path"`
	ClientAttempts           int    `mapstructure:"client_attempts"`
	ClientRetryDelaySeconds  int    `mapstructure:"client_retry_delay_seconds"`
	ProbeCount               int    `mapstructure:"probe_count"`
	ProbeTimeoutSeconds      int    `mapstructure:"probe_timeout_seconds"`
	Sudo                     bool   `mapstructure:"sudo"`
	ReconnectIntervalSeconds int    `mapstructure:"reconnect_interval_seconds"`
	// ProbeTarget, when set, is pinged in the background to feed /health.
	ProbeTarget              string `mapstructure:"probe_target"`
	ProbeIntervalSeconds     int    `mapstructure:"probe_interval_seconds"`
}

type LearnerConfig struct {
	Endpoint              string    `mapstructure:"endpoint"`
	Source                string    `mapstructure:"source"`
	Destination           string    `mapstructure:"destination"`
	Mode                  string    `mapstructure:"mode"` // optimal_channel or optimal_route
	Channels              []int     `mapstructure:"channels"`
	Relays                []string  `mapstructure:"relays"`
	RouteChannel          int       `mapstructure:"route_channel"`
	Epsilon               float64   `mapstructure:"epsilon"`
	UpdateRule            string    `mapstructure:"update_rule"`
	Alpha                 float64   `mapstructure:"alpha"`
	InitialValue          float64   `mapstructure:"initial_value"`
	Trials                int       `mapstructure:"trials"`
	Seed                  int64     `mapstructure:"seed"`
	RewardSource          string    `mapstructure:"reward_source"`
	FallbackReward        float64   `mapstructure:"fallback_reward"`
	RouteFallbackReward   float64   `mapstructure:"route_fallback_reward"`
	ConstantReward        float64   `mapstructure:"constant_reward"`
	ReplayPath            string    `mapstructure:"replay_path"`
	ReplayValues          []float64 `mapstructure:"replay_values"`
	OutputDir             string    `mapstructure:"output_dir"`
	RequestAttempts       int       `mapstructure:"request_attempts"`
	RetryDelaySeconds     int       `mapstructure:"retry_delay_seconds"`
	RequestTimeoutSeconds int       `mapstructure:"request_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	MeasurementTopic string   `mapstructure:"measurement_topic"`
	StepTopic        string   `mapstructure:"step_topic"`
	MaxQueueSize     int      `mapstructure:"max_queue_size"`
	FlushSeconds     int      `mapstructure:"flush_seconds"`
}

type DeviceEntry struct {
	IP string `mapstructure:"ip"`
	ID string `mapstructure:"id"`
}

type ChannelEntry struct {
	Channel   int      `mapstructure:"channel"`
	Frequency int      `mapstructure:"frequency"`
	Regions   []string `mapstructure:"regions"`
}

type InventoryConfig struct {
	Devices  []DeviceEntry  `mapstructure:"devices"`
	Channels []ChannelEntry `mapstructure:"channels"`
}

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Controller ControllerConfig `mapstructure:"controller"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Learner    LearnerConfig    `mapstructure:"learner"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
}

// LoadConfig reads the YAML file at path (optional) and applies MAITRE_*
// environment overrides, e.g. MAITRE_BROKER_PASSWORD.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAITRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	clamp(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.client_id", "")
	v.SetDefault("broker.connect_timeout_seconds", 10)
	v.SetDefault("broker.keepalive_seconds", 60)
	v.SetDefault("broker.qos", 1)
	v.SetDefault("broker.queue_size", 64)

	v.SetDefault("controller.listen", ":8000")
	v.SetDefault("controller.telemetry_timeout_seconds", 100)
	v.SetDefault("controller.default_channel", 6)
	v.SetDefault("controller.results_path", "./logs/data_transfer_log.csv")
	v.SetDefault("controller.reconnect_interval_seconds", 5)

	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.interface", "wlan0")
	v.SetDefault("agent.subnet", "192.168.2.0/24")
	v.SetDefault("agent.health_listen", "127.0.0.1:8085")
	v.SetDefault("agent.iperf_binary", "iperf3")
	v.SetDefault("agent.result_path", "result.json")
	v.SetDefault("agent.client_attempts", 3)
	v.SetDefault("agent.client_retry_delay_seconds", 5)
	v.SetDefault("agent.probe_count", 3)
	v.SetDefault("agent.probe_timeout_seconds", 3)
	v.SetDefault("agent.sudo", true)
	v.SetDefault("agent.reconnect_interval_seconds", 5)
	v.SetDefault("agent.probe_target", "")
	v.SetDefault("agent.probe_interval_seconds", 30)

	v.SetDefault("learner.endpoint", "http://localhost:8000/network/data-transfer-rate")
	v.SetDefault("learner.source", "192.168.2.80")
	v.SetDefault("learner.destination", "192.168.2.100")
	v.SetDefault("learner.mode", "optimal_channel")
	v.SetDefault("learner.channels", []int{2, 3, 4, 11})
	v.SetDefault("learner.relays", []string{"192.168.2.10", "192.168.2.40", "192.168.2.50"})
	v.SetDefault("learner.route_channel", 165)
	v.SetDefault("learner.epsilon", 0.25)
	v.SetDefault("learner.update_rule", "exponential_smoothing")
	v.SetDefault("learner.alpha", 0.5)
	v.SetDefault("learner.initial_value", 500.0)
	v.SetDefault("learner.trials", 200)
	v.SetDefault("learner.seed", 0)
	v.SetDefault("learner.reward_source", "live")
	v.SetDefault("learner.fallback_reward", 18.0)
	v.SetDefault("learner.route_fallback_reward", -100000.0)
	v.SetDefault("learner.constant_reward", 10.0)
	v.SetDefault("learner.replay_path", "")
	v.SetDefault("learner.output_dir", "experiments")
	v.SetDefault("learner.request_attempts", 3)
	v.SetDefault("learner.retry_delay_seconds", 2)
	v.SetDefault("learner.request_timeout_seconds", 100)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.measurement_topic", "maitre.measurements")
	v.SetDefault("kafka.step_topic", "maitre.experiment-steps")
	v.SetDefault("kafka.max_queue_size", 1000)
	v.SetDefault("kafka.flush_seconds", 5)
}

// quick sanity checks
func clamp(cfg *Config) {
	if cfg.Broker.ConnectTimeoutSeconds < 1 {
		cfg.Broker.ConnectTimeoutSeconds = 10
	}
	if cfg.Broker.QoS < 1 {
		cfg.Broker.QoS = 1
	}
	if cfg.Broker.QoS > 2 {
		cfg.Broker.QoS = 2
	}
	if cfg.Controller.TelemetryTimeoutSeconds < 1 {
		cfg.Controller.TelemetryTimeoutSeconds = 100
	}
	if cfg.Controller.ReconnectIntervalSeconds < 1 {
		cfg.Controller.ReconnectIntervalSeconds = 5
	}
	if cfg.Agent.ClientAttempts < 1 {
		cfg.Agent.ClientAttempts = 3
	}
	if cfg.Agent.ReconnectIntervalSeconds < 1 {
		cfg.Agent.ReconnectIntervalSeconds = 5
	}
	if cfg.Learner.RequestAttempts < 1 {
		cfg.Learner.RequestAttempts = 1
	}
	if cfg.Kafka.MaxQueueSize <= 0 {
		cfg.Kafka.MaxQueueSize = 1000
	}
	if cfg.Kafka.FlushSeconds < 1 {
		cfg.Kafka.FlushSeconds = 5
	}
}

// ValidateAgent checks the fields a device agent cannot start without.
func (c *Config) ValidateAgent() error {
	if c.Agent.DeviceID == "" {
		return fmt.Errorf("agent.device_id is required")
	}
	if c.Agent.Interface == "" {
		return fmt.Errorf("agent.interface is required")
	}
	return nil
}

// ValidateLearner checks the experiment definition.
func (c *Config) ValidateLearner() error {
	switch c.Learner.Mode {
	case "optimal_channel":
		if len(c.Learner.Channels) == 0 {
			return fmt.Errorf("learner.channels must not be empty")
		}
	case "optimal_route":
		if len(c.Learner.Relays) == 0 {
			return fmt.Errorf("learner.relays must not be empty")
		}
	default:
		return fmt.Errorf("learner.mode %q is not supported", c.Learner.Mode)
	}
	if c.Learner.Trials < 1 {
		return fmt.Errorf("learner.trials must be positive")
	}
	return nil
}

// Fallback is the reward a failed live measurement counts as. A relay that
// cannot carry traffic is penalised hard so the learner abandons it.
func (l LearnerConfig) Fallback() float64 {
	if l.Mode == "optimal_route" {
		return l.RouteFallbackReward
	}
	return l.FallbackReward
}

func (b BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSeconds) * time.Second
}

func (c ControllerConfig) TelemetryTimeout() time.Duration {
	return time.Duration(c.TelemetryTimeoutSeconds) * time.Second
}

func (c ControllerConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}
