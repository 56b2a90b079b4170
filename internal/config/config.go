package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gustycube/netenrich/internal/enrich"
	"github.com/gustycube/netenrich/internal/filter"
	"github.com/gustycube/netenrich/internal/fuzzy"
	"github.com/gustycube/netenrich/internal/inventory"
)

// ErrInvalidConfig wraps every configuration problem found at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete configuration for the enricher
type Config struct {
	// Enrichment
	Enabled                *bool  `yaml:"enabled" json:"enabled"`
	Datasets               string `yaml:"datasets" json:"datasets"`
	DefaultSite            string `yaml:"default_site" json:"default_site"`
	Autopopulate           bool   `yaml:"autopopulate" json:"autopopulate"`
	LookupService          *bool  `yaml:"lookup_service" json:"lookup_service"`
	Verbose                bool   `yaml:"verbose" json:"verbose"`
	DefaultManufacturer    string `yaml:"default_manufacturer" json:"default_manufacturer"`
	DefaultDeviceType      string `yaml:"default_device_type" json:"default_device_type"`
	DefaultRole            string `yaml:"default_role" json:"default_role"`
	FuzzyThreshold         *int   `yaml:"fuzzy_threshold" json:"fuzzy_threshold"`
	AutoCreateManufacturer *bool  `yaml:"auto_create_manufacturer" json:"auto_create_manufacturer"`

	// Cache. An explicit size or TTL <= 0 disables caching.
	CacheSize           *int `yaml:"cache_size" json:"cache_size"`
	CacheTTLSec         *int `yaml:"cache_ttl_sec" json:"cache_ttl_sec"`
	CacheNegativeTTLSec *int `yaml:"cache_negative_ttl_sec" json:"cache_negative_ttl_sec"`
	CacheSweepSec       int  `yaml:"cache_sweep_sec" json:"cache_sweep_sec"`

	// Inventory backend
	NetBoxURL       string  `yaml:"netbox_url" json:"netbox_url"`
	NetBoxToken     string  `yaml:"netbox_token" json:"netbox_token"`
	LookupTimeoutMS int     `yaml:"lookup_timeout_ms" json:"lookup_timeout_ms"`
	LookupRetries   *int    `yaml:"lookup_retries" json:"lookup_retries"`
	LookupRate      float64 `yaml:"lookup_rate" json:"lookup_rate"`
	CreateRate      float64 `yaml:"create_rate" json:"create_rate"`

	// Performance
	Concurrency     int `yaml:"concurrency" json:"concurrency"`
	BatchMaxRecords int `yaml:"batch_max_records" json:"batch_max_records"`
	BatchFlushSec   int `yaml:"batch_flush_sec" json:"batch_flush_sec"`

	// Input / output
	Input        string `yaml:"input" json:"input"`
	OutputFormat string `yaml:"output_format" json:"output_format"`
	Ingest       string `yaml:"ingest" json:"ingest"`
	SpoolDir     string `yaml:"spool_dir" json:"spool_dir"`

	// mTLS
	MTLSCert string `yaml:"mtls_cert" json:"mtls_cert"`
	MTLSKey  string `yaml:"mtls_key" json:"mtls_key"`
	MTLSCA   string `yaml:"mtls_ca" json:"mtls_ca"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure *bool  `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`

	// NATS
	NATSURL      string `yaml:"nats_url" json:"nats_url"`
	NATSStream   string `yaml:"nats_stream" json:"nats_stream"`
	NATSConsumer string `yaml:"nats_consumer" json:"nats_consumer"`
	NATSSubject  string `yaml:"nats_subject" json:"nats_subject"`
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.Datasets == "" {
		c.Datasets = "all"
	}
	if c.DefaultSite == "" {
		c.DefaultSite = "default"
	}
	if c.LookupService == nil {
		c.LookupService = boolPtr(true)
	}
	if c.DefaultManufacturer == "" {
		c.DefaultManufacturer = "Unspecified"
	}
	if c.DefaultDeviceType == "" {
		c.DefaultDeviceType = "Unspecified"
	}
	if c.DefaultRole == "" {
		c.DefaultRole = "Unspecified"
	}
	if c.FuzzyThreshold == nil {
		c.FuzzyThreshold = intPtr(fuzzy.DefaultThreshold)
	}
	if c.AutoCreateManufacturer == nil {
		c.AutoCreateManufacturer = boolPtr(true)
	}
	if c.CacheSize == nil {
		c.CacheSize = intPtr(10000)
	}
	if c.CacheTTLSec == nil {
		c.CacheTTLSec = intPtr(300)
	}
	if c.CacheNegativeTTLSec == nil {
		c.CacheNegativeTTLSec = intPtr(*c.CacheTTLSec)
	}
	if c.CacheSweepSec == 0 {
		c.CacheSweepSec = 60
	}
	if c.LookupTimeoutMS == 0 {
		c.LookupTimeoutMS = 3000
	}
	if c.LookupRetries == nil {
		c.LookupRetries = intPtr(1)
	}
	if c.CreateRate == 0 {
		c.CreateRate = 5
	}
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.BatchMaxRecords == 0 {
		c.BatchMaxRecords = 500
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 2
	}
	if c.Input == "" {
		c.Input = "-"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "jsonl"
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELInsecure == nil {
		c.OTELInsecure = boolPtr(true)
	}
	if c.OTELService == "" {
		c.OTELService = "netenrich"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "netenrich:queue"
	}
	if c.NATSStream == "" {
		c.NATSStream = "FLOWS"
	}
	if c.NATSConsumer == "" {
		c.NATSConsumer = "netenrich"
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.IsEnabled() {
		if c.NetBoxURL == "" {
			return invalid("netbox_url is required when enrichment is enabled")
		}
		u, err := url.Parse(c.NetBoxURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("netbox_url %q is not an absolute URL", c.NetBoxURL)
		}
		if c.NetBoxToken == "" {
			return invalid("netbox_token is required when enrichment is enabled")
		}
	}
	if _, err := filter.New(c.Datasets); err != nil {
		return invalid("datasets: %v", err)
	}
	if t := deref(c.FuzzyThreshold, fuzzy.DefaultThreshold); t < 1 || t > 100 {
		return invalid("fuzzy_threshold must be within 1..100, got %d", t)
	}
	if c.CacheSweepSec < 0 {
		return invalid("cache_sweep_sec must not be negative")
	}
	if c.LookupTimeoutMS < 1 {
		return invalid("lookup_timeout_ms must be at least 1")
	}
	if c.LookupRetries != nil && *c.LookupRetries < 0 {
		return invalid("lookup_retries must not be negative")
	}
	if c.Concurrency < 1 {
		return invalid("concurrency must be at least 1")
	}
	if c.BatchMaxRecords < 1 {
		return invalid("batch_max_records must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return invalid("batch_flush_sec must be at least 1")
	}
	switch strings.ToLower(c.OutputFormat) {
	case "json", "jsonl", "ndjson", "csv":
	default:
		return invalid("unsupported output_format %q", c.OutputFormat)
	}
	if c.RedisQueueAddr != "" && c.NATSURL != "" {
		return invalid("redis_queue_addr and nats_url are mutually exclusive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file. Defaults are not
// applied so that env and flags can still fill unset values.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["netbox_url"].(string); ok && v != "" {
		c.NetBoxURL = v
	}
	if v, ok := flags["netbox_token"].(string); ok && v != "" {
		c.NetBoxToken = v
	}
	if v, ok := flags["datasets"].(string); ok && v != "" {
		c.Datasets = v
	}
	if v, ok := flags["default_site"].(string); ok && v != "" {
		c.DefaultSite = v
	}
	if v, ok := flags["enabled"].(bool); ok {
		c.Enabled = boolPtr(v)
	}
	if v, ok := flags["autopopulate"].(bool); ok {
		c.Autopopulate = v
	}
	if v, ok := flags["verbose"].(bool); ok && v {
		c.Verbose = true
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["input"].(string); ok && v != "" {
		c.Input = v
	}
	if v, ok := flags["output_format"].(string); ok && v != "" {
		c.OutputFormat = v
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["batch_max_records"].(int); ok && v > 0 {
		c.BatchMaxRecords = v
	}
	if v, ok := flags["batch_flush_sec"].(int); ok && v > 0 {
		c.BatchFlushSec = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["mtls_cert"].(string); ok && v != "" {
		c.MTLSCert = v
	}
	if v, ok := flags["mtls_key"].(string); ok && v != "" {
		c.MTLSKey = v
	}
	if v, ok := flags["mtls_ca"].(string); ok && v != "" {
		c.MTLSCA = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = boolPtr(v)
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// str2bool accepts the usual spellings of yes and no.
func str2bool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

type envReader struct{ err error }

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := str2bool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) boolRef(key string, dst **bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := str2bool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = boolPtr(b)
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) intRef(key string, dst **int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = intPtr(n)
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = f
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = invalid("%s: %v", key, err)
	}
}

// LoadFromEnv loads configuration from environment variables. Malformed
// values are reported as ErrInvalidConfig.
func (c *Config) LoadFromEnv() error {
	e := &envReader{}
	e.boolRef("NETBOX_ENRICHMENT", &c.Enabled)
	e.str("NETBOX_ENRICHMENT_DATASETS", &c.Datasets)
	e.str("NETBOX_DEFAULT_SITE", &c.DefaultSite)
	e.intRef("NETBOX_CACHE_SIZE", &c.CacheSize)
	e.intRef("NETBOX_CACHE_TTL", &c.CacheTTLSec)
	e.intRef("NETBOX_CACHE_NEGATIVE_TTL", &c.CacheNegativeTTLSec)
	e.integer("NETBOX_CACHE_SWEEP", &c.CacheSweepSec)
	e.boolean("NETBOX_AUTO_POPULATE", &c.Autopopulate)
	e.str("NETBOX_DEFAULT_MANUFACTURER", &c.DefaultManufacturer)
	e.str("NETBOX_DEFAULT_DEVICE_TYPE", &c.DefaultDeviceType)
	e.str("NETBOX_DEFAULT_ROLE", &c.DefaultRole)
	e.intRef("NETBOX_DEFAULT_FUZZY_THRESHOLD", &c.FuzzyThreshold)
	e.boolRef("NETBOX_DEFAULT_AUTOCREATE_MANUFACTURER", &c.AutoCreateManufacturer)
	e.boolean("NETBOX_ENRICHMENT_VERBOSE", &c.Verbose)
	e.boolRef("NETBOX_ENRICHMENT_LOOKUP_SERVICE", &c.LookupService)
	e.str("NETBOX_URL", &c.NetBoxURL)
	e.str("NETBOX_TOKEN", &c.NetBoxToken)
	e.integer("NETBOX_LOOKUP_TIMEOUT_MS", &c.LookupTimeoutMS)
	e.intRef("NETBOX_LOOKUP_RETRIES", &c.LookupRetries)
	e.float("NETBOX_LOOKUP_RATE", &c.LookupRate)
	e.float("NETBOX_CREATE_RATE", &c.CreateRate)
	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_QUEUE_ADDR", &c.RedisQueueAddr)
	e.str("REDIS_QUEUE_KEY", &c.RedisQueueKey)
	e.str("NATS_URL", &c.NATSURL)
	e.str("NATS_STREAM", &c.NATSStream)
	e.str("NATS_CONSUMER", &c.NATSConsumer)
	e.str("NATS_SUBJECT", &c.NATSSubject)
	return e.err
}

// IsEnabled reports whether enrichment is switched on; unset means on.
func (c *Config) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c *Config) lookupService() bool { return c.LookupService == nil || *c.LookupService }

func (c *Config) autoCreateManufacturer() bool {
	return c.AutoCreateManufacturer == nil || *c.AutoCreateManufacturer
}

// OTELIsInsecure reports whether the OTLP exporter skips TLS; unset means it does.
func (c *Config) OTELIsInsecure() bool { return c.OTELInsecure == nil || *c.OTELInsecure }

func deref(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Enrich derives the immutable enrichment configuration. Call it after
// Validate.
func (c *Config) Enrich() (enrich.Config, error) {
	f, err := filter.New(c.Datasets)
	if err != nil {
		return enrich.Config{}, invalid("datasets: %v", err)
	}
	return enrich.Config{
		Enabled:        c.IsEnabled(),
		Filter:         f,
		DefaultSite:    c.DefaultSite,
		CacheSize:      deref(c.CacheSize, 10000),
		CacheTTL:       seconds(deref(c.CacheTTLSec, 300)),
		NegativeTTL:    seconds(deref(c.CacheNegativeTTLSec, deref(c.CacheTTLSec, 300))),
		SweepInterval:  seconds(c.CacheSweepSec),
		Autopopulate:   c.Autopopulate,
		LookupService:  c.lookupService(),
		FuzzyThreshold: deref(c.FuzzyThreshold, fuzzy.DefaultThreshold),
		Defaults: inventory.Defaults{
			Site:         c.DefaultSite,
			Role:         c.DefaultRole,
			DeviceType:   c.DefaultDeviceType,
			Manufacturer: c.DefaultManufacturer,
		},
	}, nil
}

// Inventory derives the NetBox client options.
func (c *Config) Inventory() inventory.Options {
	return inventory.Options{
		BaseURL:                c.NetBoxURL,
		Token:                  c.NetBoxToken,
		Timeout:                time.Duration(c.LookupTimeoutMS) * time.Millisecond,
		Retries:                deref(c.LookupRetries, 1),
		LookupRate:             c.LookupRate,
		CreateRate:             c.CreateRate,
		FuzzyThreshold:         deref(c.FuzzyThreshold, fuzzy.DefaultThreshold),
		AutoCreateManufacturer: c.autoCreateManufacturer(),
		NameCacheTTL:           seconds(deref(c.CacheTTLSec, 300)),
	}
}
