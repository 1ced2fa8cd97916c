package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/tabkv"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	ReadOnly  bool            `yaml:"read_only"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Changelog ChangelogConfig `yaml:"changelog"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type StoreConfig struct {
	Type string `yaml:"type"` // memory, bolt, redis, mysql, dynamodb

	Bolt struct {
		Path   string `yaml:"path"`
		Bucket string `yaml:"bucket"`
	} `yaml:"bolt"`

	Redis struct {
		Addr      string        `yaml:"addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		Namespace string        `yaml:"namespace"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"redis"`

	MySQL struct {
		DSN          string `yaml:"dsn"`
		Table        string `yaml:"table"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		CreateTable  bool   `yaml:"create_table"`
	} `yaml:"mysql"`

	DynamoDB struct {
		Region      string `yaml:"region"`
		Table       string `yaml:"table"`
		Endpoint    string `yaml:"endpoint"`
		AccessKey   string `yaml:"access_key"`
		SecretKey   string `yaml:"secret_key"`
		Namespace   string `yaml:"namespace"`
		CreateTable bool   `yaml:"create_table"`
	} `yaml:"dynamodb"`
}

type EngineConfig struct {
	Encoding         string `yaml:"encoding"`           // msgpack or json
	StrictColumns    bool   `yaml:"strict_columns"`     // reject undeclared fields
	IndexFieldPolicy string `yaml:"index_field_policy"` // tolerate or reject
	DefaultLimit     int    `yaml:"default_limit"`
	MaxLimit         int    `yaml:"max_limit"`
	Verbose          bool   `yaml:"verbose"`
}

type ChangelogConfig struct {
	Dir         string `yaml:"dir"` // empty disables the change log
	MaxFileSize int64  `yaml:"max_file_size"`
	Sync        bool   `yaml:"sync"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"` // empty disables the feed
	Topic        string        `yaml:"topic"`
	RequiredAcks int           `yaml:"required_acks"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	SeqURL string `yaml:"seq_url"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

func defaultConfig() *Config {
	c := &Config{
		Listen: ":7070",
	}
	c.Store.Type = "bolt"
	c.Store.Bolt.Path = "tabkv.db"
	c.Store.Redis.Addr = "localhost:6379"
	c.Store.Redis.PoolSize = 10
	c.Store.Redis.Timeout = 5 * time.Second
	c.Store.MySQL.Table = "tabkv"
	c.Store.DynamoDB.Table = "tabkv"
	c.Engine.Encoding = "msgpack"
	c.Engine.IndexFieldPolicy = "tolerate"
	c.Kafka.Topic = "tabkv-changes"
	c.Kafka.RequiredAcks = -1
	c.Kafka.WriteTimeout = 10 * time.Second
	c.Log.Level = "info"
	return c
}

func loadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := parseConfig(data, c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func parseConfig(data []byte, c *Config) error {
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Store.Type {
	case "memory":
	case "bolt":
		if c.Store.Bolt.Path == "" {
			return fmt.Errorf("store.bolt.path is required")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
		if c.Store.Redis.DB < 0 || c.Store.Redis.DB > 15 {
			return fmt.Errorf("store.redis.db must be between 0 and 15, got: %d", c.Store.Redis.DB)
		}
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return fmt.Errorf("store.mysql.dsn is required")
		}
	case "dynamodb":
		if c.Store.DynamoDB.Table == "" {
			return fmt.Errorf("store.dynamodb.table is required")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if _, err := tabkv.ParseEncoding(c.Engine.Encoding); err != nil {
		return err
	}
	if _, err := tabkv.ParseIndexFieldPolicy(c.Engine.IndexFieldPolicy); err != nil {
		return err
	}
	if c.Engine.DefaultLimit < 0 || c.Engine.MaxLimit < 0 {
		return fmt.Errorf("engine limits must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

func (c *Config) engineOptions() tabkv.Options {
	enc, _ := tabkv.ParseEncoding(c.Engine.Encoding)
	policy, _ := tabkv.ParseIndexFieldPolicy(c.Engine.IndexFieldPolicy)
	return tabkv.Options{
		Verbose:          c.Engine.Verbose,
		Encoding:         enc,
		StrictColumns:    c.Engine.StrictColumns,
		IndexFieldPolicy: policy,
		DefaultLimit:     c.Engine.DefaultLimit,
		MaxLimit:         c.Engine.MaxLimit,
	}
}
