package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete reggraphd configuration.
type Config struct {
	Neo4j  Neo4jConfig  `yaml:"neo4j"`
	Pubsub PubsubConfig `yaml:"pubsub"`
}

// Neo4jConfig locates the database holding the provision graph.
type Neo4jConfig struct {
	// URI is the bolt endpoint of the Neo4j server or cluster.
	URI string `yaml:"uri"`
	// Username and Password authenticate against the server. Leave both
	// empty for servers running without authentication.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Database is the name of the database holding the provision graph.
	Database string `yaml:"database"`
}

// PubsubConfig locates the stream of entity batch events.
type PubsubConfig struct {
	// Subscription is a Go CDK subscription URL, for example
	// "rabbit://entities.extracted" or "mem://entities" for development.
	Subscription string `yaml:"subscription"`
}

// DefaultConfig returns a Config suitable for local development against a
// dockerized Neo4j and an in-memory event stream.
func DefaultConfig() *Config {
	return &Config{
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Database: "provisions",
		},
		Pubsub: PubsubConfig{
			Subscription: "mem://entities",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// yields the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri is required")
	}
	if c.Neo4j.Database == "" {
		return fmt.Errorf("neo4j.database is required")
	}
	if c.Pubsub.Subscription == "" {
		return fmt.Errorf("pubsub.subscription is required")
	}
	return nil
}
