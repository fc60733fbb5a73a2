package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getlantern/errors"

	"github.com/getlantern/eventbus/broker/fanoutbroker"
)

// scenarioConfig configures a load generator run. It's populated from flags and can be overridden by a YAML
// file passed with -config.
type scenarioConfig struct {
	Topics              int                         `yaml:"topics"`
	Events              int                         `yaml:"events"`
	QueueSize           int                         `yaml:"queuesize"`
	Workers             int                         `yaml:"workers"`
	WorkersByTopic      map[string]int              `yaml:"workersbytopic"`
	Backpressure        time.Duration               `yaml:"backpressure"`
	Strict              bool                        `yaml:"strict"`
	Subscribers         int                         `yaml:"subscribers"`
	SubscriberQueueSize int                         `yaml:"subscriberqueuesize"`
	Overflow            fanoutbroker.OverflowPolicy `yaml:"overflow"`
	Timeout             time.Duration               `yaml:"timeout"`
}

// loadConfig overlays the YAML file at path onto cfg. Fields missing from the file keep their current values.
func loadConfig(path string, cfg *scenarioConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.New("unable to read config file %v: %v", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.New("unable to parse config file %v: %v", path, err)
	}
	return cfg.validate()
}

func (cfg *scenarioConfig) validate() error {
	if cfg.Topics <= 0 {
		return errors.New("topics must be positive, got %d", cfg.Topics)
	}
	if cfg.Events < 0 {
		return errors.New("events can't be negative, got %d", cfg.Events)
	}
	for topic, n := range cfg.WorkersByTopic {
		if n <= 0 {
			return errors.New("worker count for topic %v must be positive, got %d", topic, n)
		}
	}
	switch cfg.Overflow {
	case "", fanoutbroker.Block, fanoutbroker.DropNewest, fanoutbroker.DropOldest:
		return nil
	default:
		return errors.New("unknown overflow policy %v", cfg.Overflow)
	}
}
