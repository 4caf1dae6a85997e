package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vnoded/internal/broker/rabbitmq"
	"vnoded/internal/shardspace"
	"vnoded/internal/sink/kafka"
)

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	ShardSpace ShardSpaceConfig `mapstructure:"shard_space"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// NodeConfig selects the shards this process supervises. Shards wins over
// Peers; with neither set the node takes the whole shard space.
type NodeConfig struct {
	ID     string   `mapstructure:"id"`
	Shards []uint32 `mapstructure:"shards"`
	Peers  []string `mapstructure:"peers"`
	Seed   string   `mapstructure:"seed"`
}

type ShardSpaceConfig struct {
	Exchange   string `mapstructure:"exchange"`
	ShardCount int    `mapstructure:"shard_count"`
}

type SupervisorConfig struct {
	AuditInterval time.Duration `mapstructure:"audit_interval"`
}

type RabbitMQConfig struct {
	URL               string    `mapstructure:"url"`
	Endpoints         []string  `mapstructure:"endpoints"`
	PrefetchCount     int       `mapstructure:"prefetch_count"`
	ConsumerTagPrefix string    `mapstructure:"consumer_tag_prefix"`
	DurableQueues     bool      `mapstructure:"durable_queues"`
	TLS               TLSConfig `mapstructure:"tls"`
	Username          string    `mapstructure:"username"`
	Password          string    `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type SinkConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
	TLS      bool     `mapstructure:"tls"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("vnoded")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v, reflect.TypeOf(Config{}), ""); err != nil {
		return Config{}, err
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shard_space.exchange", shardspace.DefaultExchange)
	v.SetDefault("shard_space.shard_count", shardspace.DefaultShardCount)
	v.SetDefault("supervisor.audit_interval", time.Second)
	v.SetDefault("rabbitmq.prefetch_count", 32)
	v.SetDefault("rabbitmq.consumer_tag_prefix", "vnoded")
	v.SetDefault("journal.path", "data/vnoded.db")
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnv registers every leaf key of t with viper. AutomaticEnv only
// resolves keys viper already knows, so a key missing from both the file and
// the defaults would otherwise ignore its VNODED_* variable.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnv(v, f.Type, key); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func (c Config) Space() shardspace.Space {
	return shardspace.Space{Exchange: c.ShardSpace.Exchange, ShardCount: c.ShardSpace.ShardCount}
}

func (c Config) Broker() rabbitmq.Config {
	r := c.RabbitMQ
	return rabbitmq.Config{
		URL:               r.URL,
		Endpoints:         r.Endpoints,
		PrefetchCount:     r.PrefetchCount,
		ConsumerTagPrefix: r.ConsumerTagPrefix,
		DurableQueues:     r.DurableQueues,
		TLS: rabbitmq.TLSConfig{
			Enabled:            r.TLS.Enabled,
			InsecureSkipVerify: r.TLS.InsecureSkipVerify,
			ServerName:         r.TLS.ServerName,
			CAFile:             r.TLS.CAFile,
			CertFile:           r.TLS.CertFile,
			KeyFile:            r.TLS.KeyFile,
		},
		Auth: rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
	}
}

func (c Config) Kafka() kafka.Config {
	k := c.Sink.Kafka
	return kafka.Config{
		Enabled:  k.Enabled,
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		ClientID: k.ClientID,
		TLS:      kafka.TLSConfig{Enabled: k.TLS},
	}
}

func (c Config) Validate() error {
	space := c.Space()
	if err := space.Validate(); err != nil {
		return err
	}
	if c.Supervisor.AuditInterval <= 0 {
		return fmt.Errorf("supervisor.audit_interval must be positive")
	}
	for _, n := range c.Node.Shards {
		if int64(n) >= int64(space.ShardCount) {
			return fmt.Errorf("node.shards contains %d outside shard_count %d", n, space.ShardCount)
		}
	}
	if len(c.Node.Shards) == 0 && len(c.Node.Peers) > 0 {
		if c.Node.ID == "" {
			return fmt.Errorf("node.id is required when node.peers is set")
		}
		if !contains(c.Node.Peers, c.Node.ID) {
			return fmt.Errorf("node.peers must include node.id %q", c.Node.ID)
		}
	}
	if err := c.Broker().Validate(); err != nil {
		return err
	}
	if err := c.Kafka().Validate(); err != nil {
		return err
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
