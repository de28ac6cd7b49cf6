package util

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Name is the software name reported in NodeInfo and the User-Agent.
const Name = "perch"

// AppConfig is the top-level application configuration, read from a YAML file.
type AppConfig struct {
	Conf Conf `yaml:"conf"`
}

// Conf holds all recognized configuration options with their defaults.
type Conf struct {
	Host        string `yaml:"host"`
	HttpPort    int    `yaml:"httpPort"`
	InstanceURL string `yaml:"instanceUrl"` // absolute base URL used in generated identifiers
	SslDomain   string `yaml:"sslDomain"`   // bare host used for matching and WebFinger

	WithJournald bool `yaml:"withJournald"`
	WithPprof    bool `yaml:"withPprof"`

	// Fetching
	SignFetches        bool `yaml:"signFetches"`
	MaxCollectionItems int  `yaml:"maxCollectionItems"`
	MaxCollectionPages int  `yaml:"maxCollectionPages"`
	ReceiveTimeoutSecs int  `yaml:"receiveTimeoutSeconds"`

	// Delivery
	DeliveryWorkers      int `yaml:"deliveryWorkers"`
	QueueWorkers         int `yaml:"queueWorkers"`
	DeliveryTimeoutSecs  int `yaml:"deliveryTimeoutSeconds"`
	ReachabilityDays     int `yaml:"federationReachabilityTimeoutDays"`
	RetrySchedulerSecs   int `yaml:"retrySchedulerSeconds"`
	MaxDeliveryAttempts  int `yaml:"maxDeliveryAttempts"`
	MaxJobAgeSecs        int `yaml:"maxJobAgeSeconds"`
	MaxBackoffJobAgeSecs int `yaml:"maxBackoffJobAgeSeconds"`
	ThrottleSnoozeSecs   int `yaml:"throttleSnoozeSeconds"`

	// Domain throttling
	MaxConcurrentPerDomain int `yaml:"maxConcurrentPerDomain"`
	FailureThreshold       int `yaml:"failureThreshold"`
	BaseBackoffMs          int `yaml:"baseBackoffMs"`
	MaxBackoffMs           int `yaml:"maxBackoffMs"`

	// Inbox queue
	FlushIntervalMs int `yaml:"flushIntervalMs"`
	MaxBatchSize    int `yaml:"maxBatchSize"`
	InsertChunkSize int `yaml:"insertChunkSize"`
	MaxQueueSize    int `yaml:"maxQueueSize"`

	// Inbox rate limits
	MaxPerMinute          int `yaml:"maxPerMinute"`
	MaxPerDomainPerMinute int `yaml:"maxPerDomainPerMinute"`
	MaxGlobalPerSecond    int `yaml:"maxGlobalPerSecond"`

	// MRF
	MrfPolicies     []string                   `yaml:"mrfPolicies"`
	MrfTransparency bool                       `yaml:"mrfTransparency"`
	MrfSimple       map[string]map[string]bool `yaml:"mrfSimple"` // domain pattern -> policy flags

	DbPath string `yaml:"dbPath"`
}

// UserAgent returns the User-Agent header for outgoing federation requests.
func (c *Conf) UserAgent() string {
	return fmt.Sprintf("%s/%s (+%s)", Name, GetVersion(), c.InstanceURL)
}

// ReadConf loads the configuration from PERCH_CONFIG (default ./perch.yml)
// and applies defaults for unset options.
func ReadConf() (*AppConfig, error) {
	path := os.Getenv("PERCH_CONFIG")
	if path == "" {
		path = "perch.yml"
	}

	conf := &AppConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// No file: run on defaults.
	} else if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	conf.ApplyDefaults()
	return conf, nil
}

// ApplyDefaults fills in every unset option with its default value.
func (a *AppConfig) ApplyDefaults() {
	c := &a.Conf
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.HttpPort == 0 {
		c.HttpPort = 8080
	}
	if c.InstanceURL == "" {
		c.InstanceURL = "http://localhost:8080"
	}
	c.InstanceURL = strings.TrimRight(c.InstanceURL, "/")
	if c.SslDomain == "" {
		c.SslDomain = strings.TrimPrefix(strings.TrimPrefix(c.InstanceURL, "https://"), "http://")
	}
	if c.MaxCollectionItems == 0 {
		c.MaxCollectionItems = 100
	}
	if c.MaxCollectionPages == 0 {
		c.MaxCollectionPages = 5
	}
	if c.ReceiveTimeoutSecs == 0 {
		c.ReceiveTimeoutSecs = 10
	}
	if c.DeliveryWorkers == 0 {
		c.DeliveryWorkers = 4
	}
	if c.QueueWorkers == 0 {
		c.QueueWorkers = 4
	}
	if c.DeliveryTimeoutSecs == 0 {
		c.DeliveryTimeoutSecs = 10
	}
	if c.ReachabilityDays == 0 {
		c.ReachabilityDays = 7
	}
	if c.RetrySchedulerSecs == 0 {
		c.RetrySchedulerSecs = 60
	}
	if c.MaxDeliveryAttempts == 0 {
		c.MaxDeliveryAttempts = 10
	}
	if c.MaxJobAgeSecs == 0 {
		c.MaxJobAgeSecs = 600
	}
	if c.MaxBackoffJobAgeSecs == 0 {
		c.MaxBackoffJobAgeSecs = 120
	}
	if c.ThrottleSnoozeSecs == 0 {
		c.ThrottleSnoozeSecs = 30
	}
	if c.MaxConcurrentPerDomain == 0 {
		c.MaxConcurrentPerDomain = 2
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.BaseBackoffMs == 0 {
		c.BaseBackoffMs = 2000
	}
	if c.MaxBackoffMs == 0 {
		c.MaxBackoffMs = 120000
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 500
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 25
	}
	if c.InsertChunkSize == 0 {
		c.InsertChunkSize = 5
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 5000
	}
	if c.MaxPerMinute == 0 {
		c.MaxPerMinute = 20
	}
	if c.MaxPerDomainPerMinute == 0 {
		c.MaxPerDomainPerMinute = 40
	}
	if c.MaxGlobalPerSecond == 0 {
		c.MaxGlobalPerSecond = 8
	}
	if c.DbPath == "" {
		c.DbPath = "perch.db"
	}
}
