package src

import (
	"fmt"

	"tripmesh/src/model"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LogConfig      model.LogConfig     `envconfig:""`
	RedisConfig    model.RedisConfig   `envconfig:""`
	LLMConfig      model.LLMConfig     `envconfig:""`
	ArchiveConfig  model.ArchiveConfig `envconfig:""`
	WorkflowConfig string              `envconfig:"WORKFLOW_CONFIG" default:"config.yaml"`
	MetricsAddr    string              `envconfig:"METRICS_ADDR"`
}

func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}

	return &config, nil
}
