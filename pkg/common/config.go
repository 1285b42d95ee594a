// Package common holds the configuration shared by the data reader,
// metadata service and gateway binaries: defaults, then a YAML file,
// then command-line flags.
package common

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// BusConfig selects the transport. Kind is memory, nats or grpc; for
// grpc, RelayAddr is the relay to dial, and a process with RelayListen
// set also serves one.
type BusConfig struct {
	Kind        string `yaml:"kind"`
	URL         string `yaml:"url"`
	RelayAddr   string `yaml:"relay_addr"`
	RelayListen string `yaml:"relay_listen"`
}

type ReaderConfig struct {
	RoutingHeader   string        `yaml:"routing_header"`
	DatabaseHeader  string        `yaml:"database_header"`
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	Workers         int           `yaml:"workers"`
	MaxSegmentSize  int64         `yaml:"max_segment_size"`
	StateFile       string        `yaml:"state_file"`
	MetricsAddr     string        `yaml:"metrics_addr"`
}

type MetaConfig struct {
	Store         string   `yaml:"store"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
	Index         string   `yaml:"index"`
	PostgresDSN   string   `yaml:"postgres_dsn"`
	Migrate       bool     `yaml:"migrate"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type ContentConfig struct {
	Kind    string   `yaml:"kind"`
	DataDir string   `yaml:"data_dir"`
	S3      S3Config `yaml:"s3"`
}

type GatewayNode struct {
	ID            string `yaml:"id"`
	RoutingHeader string `yaml:"routing_header"`
}

type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	ReplyHeader    string        `yaml:"reply_header"`
	DatabaseHeader string        `yaml:"database_header"`
	Nodes          []GatewayNode `yaml:"nodes"`
	Replicas       int           `yaml:"replicas"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Bus     BusConfig     `yaml:"bus"`
	Reader  ReaderConfig  `yaml:"reader"`
	Meta    MetaConfig    `yaml:"meta"`
	Content ContentConfig `yaml:"content"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// LoadDefaults populates Config with single-process development values.
func (c *Config) LoadDefaults() {
	c.Log = LogConfig{Level: "info"}
	c.Bus = BusConfig{Kind: "memory", URL: "nats://127.0.0.1:4222"}
	c.Reader = ReaderConfig{
		RoutingHeader:   "data_reader",
		DatabaseHeader:  "database_server",
		LookupTimeout:   60 * time.Second,
		RetrieveTimeout: 30 * time.Minute,
		SweepInterval:   time.Second,
		Workers:         1,
		MaxSegmentSize:  64 << 20,
	}
	c.Meta = MetaConfig{
		Store:         "memory",
		EtcdEndpoints: []string{"http://127.0.0.1:2379"},
		EtcdPrefix:    "/datareader",
		Index:         "memory",
	}
	c.Content = ContentConfig{Kind: "file", DataDir: "./data", S3: S3Config{Region: "us-east-1"}}
	c.Gateway = GatewayConfig{
		Addr:           ":8080",
		ReplyHeader:    "web_server",
		DatabaseHeader: "database_server",
		Nodes:          []GatewayNode{{ID: "reader-1", RoutingHeader: "data_reader"}},
		Replicas:       64,
		RequestTimeout: 30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are an
// error.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Kind {
	case "memory", "nats", "grpc":
	default:
		errs = append(errs, fmt.Errorf("bus.kind %q: want memory, nats or grpc", c.Bus.Kind))
	}
	switch c.Meta.Store {
	case "memory", "etcd":
	default:
		errs = append(errs, fmt.Errorf("meta.store %q: want memory or etcd", c.Meta.Store))
	}
	switch c.Meta.Index {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("meta.index %q: want memory or postgres", c.Meta.Index))
	}
	switch c.Content.Kind {
	case "file", "s3":
	default:
		errs = append(errs, fmt.Errorf("content.kind %q: want file or s3", c.Content.Kind))
	}
	if c.Content.Kind == "s3" && c.Content.S3.Bucket == "" {
		errs = append(errs, errors.New("content.s3.bucket is required"))
	}
	if c.Meta.Index == "postgres" && c.Meta.PostgresDSN == "" {
		errs = append(errs, errors.New("meta.postgres_dsn is required"))
	}
	if c.Bus.Kind == "grpc" && c.Bus.RelayAddr == "" && c.Bus.RelayListen == "" {
		errs = append(errs, errors.New("bus.relay_addr or bus.relay_listen is required"))
	}
	if c.Reader.LookupTimeout <= 0 || c.Reader.RetrieveTimeout <= 0 || c.Reader.SweepInterval <= 0 {
		errs = append(errs, errors.New("reader timeouts and sweep interval must be positive"))
	}
	if c.Reader.MaxSegmentSize <= 0 {
		errs = append(errs, errors.New("reader.max_segment_size must be positive"))
	}
	if c.Reader.Workers <= 0 {
		errs = append(errs, errors.New("reader.workers must be positive"))
	}
	if len(c.Gateway.Nodes) == 0 {
		errs = append(errs, errors.New("gateway.nodes is empty"))
	}
	return errors.Join(errs...)
}

// Load builds a Config from defaults, the file named by --config, and
// the remaining command-line flags, in that order.
func Load(name string, args []string) (*Config, error) {
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	path := pre.StringP("config", "c", "", "")
	_ = pre.Parse(args)

	cfg := &Config{}
	cfg.LoadDefaults()
	if *path != "" {
		if err := cfg.LoadFile(*path); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", *path, "YAML configuration file")
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Pretty, "log-pretty", c.Log.Pretty, "human readable console logs")

	fs.StringVar(&c.Bus.Kind, "bus", c.Bus.Kind, "bus transport: memory, nats or grpc")
	fs.StringVar(&c.Bus.URL, "nats-url", c.Bus.URL, "NATS server URL")
	fs.StringVar(&c.Bus.RelayAddr, "relay-addr", c.Bus.RelayAddr, "gRPC bus relay to dial")
	fs.StringVar(&c.Bus.RelayListen, "relay-listen", c.Bus.RelayListen, "serve a gRPC bus relay on this address")

	fs.StringVar(&c.Reader.RoutingHeader, "routing-header", c.Reader.RoutingHeader, "reader routing header")
	fs.DurationVar(&c.Reader.LookupTimeout, "lookup-timeout", c.Reader.LookupTimeout, "key lookup timeout")
	fs.DurationVar(&c.Reader.RetrieveTimeout, "retrieve-timeout", c.Reader.RetrieveTimeout, "idle timeout between chunk requests")
	fs.Int64Var(&c.Reader.MaxSegmentSize, "max-segment-size", c.Reader.MaxSegmentSize, "largest segment a record may ask to serve")
	fs.IntVar(&c.Reader.Workers, "workers", c.Reader.Workers, "reader dispatch workers")
	fs.StringVar(&c.Reader.StateFile, "state-file", c.Reader.StateFile, "session snapshot file")
	fs.StringVar(&c.Reader.MetricsAddr, "metrics-addr", c.Reader.MetricsAddr, "serve /metrics on this address")

	fs.StringVar(&c.Meta.Store, "meta-store", c.Meta.Store, "metadata store: memory or etcd")
	fs.StringSliceVar(&c.Meta.EtcdEndpoints, "etcd", c.Meta.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&c.Meta.Index, "meta-index", c.Meta.Index, "segment index: memory or postgres")
	fs.StringVar(&c.Meta.PostgresDSN, "postgres-dsn", c.Meta.PostgresDSN, "segment index DSN")
	fs.BoolVar(&c.Meta.Migrate, "migrate", c.Meta.Migrate, "apply segment index migrations at startup")

	fs.StringVar(&c.Content.Kind, "content", c.Content.Kind, "content store: file or s3")
	fs.StringVar(&c.Content.DataDir, "data", c.Content.DataDir, "content data directory")
	fs.StringVar(&c.Content.S3.Bucket, "s3-bucket", c.Content.S3.Bucket, "content S3 bucket")
	fs.StringVar(&c.Content.S3.Endpoint, "s3-endpoint", c.Content.S3.Endpoint, "content S3 endpoint")

	fs.StringVar(&c.Gateway.Addr, "addr", c.Gateway.Addr, "gateway listen address")
	fs.DurationVar(&c.Gateway.RequestTimeout, "request-timeout", c.Gateway.RequestTimeout, "gateway per-reply timeout")
}
