// Package config resolves the message broker's connection settings from one of
// several external sources.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoConfigSource is returned by Load when none of the given sources is present.
var ErrNoConfigSource = errors.New("config: no message broker configuration source found")

// Section is the raw message_broker configuration block, as read from a source.
type Section struct {
	ProjectID                string            `yaml:"project_id"`
	ProjectNumber            string            `yaml:"project_number"`
	PublisherValidationToken string            `yaml:"publisher_validation_token"`
	Enabled                  *bool             `yaml:"enabled"`
	CredentialsFile          string            `yaml:"credentials_file"`
	Environment              string            `yaml:"environment"`
	Subscriptions            map[string]string `yaml:"subscriptions"`
}

// BrokerConfig holds the resolved broker settings. It is read-only once loaded.
type BrokerConfig struct {
	ProjectID string
	// ProjectNumber is optional and only used to derive the Pub/Sub service account.
	ProjectNumber            string
	PublisherValidationToken string
	Enabled                  bool
	CredentialsFile          string
	Environment              Environment
	// Subscriptions maps logical subscription roles (e.g. "central") to subscription names.
	Subscriptions map[string]string
	// Source names the configuration source the settings were read from.
	Source string
}

// Source is a possible origin of the broker configuration.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// Lookup reports whether the source is present and, if so, its section.
	Lookup() (*Section, bool, error)
}

// Load resolves the configuration from the first present source, in the order given.
// It fails with ErrNoConfigSource if no source is present.
func Load(logger zerolog.Logger, sources ...Source) (*BrokerConfig, error) {
	for _, src := range sources {
		section, ok, err := src.Lookup()
		if err != nil {
			return nil, fmt.Errorf("config: reading source %s: %w", src.Name(), err)
		}
		if !ok {
			logger.Debug().Str("source", src.Name()).Msg("Configuration source not present.")
			continue
		}
		cfg := fromSection(section)
		cfg.Source = src.Name()
		logger.Info().Str("source", cfg.Source).Str("project_id", cfg.ProjectID).Bool("enabled", cfg.Enabled).Msg("Message broker configuration loaded.")
		return cfg, nil
	}
	return nil, ErrNoConfigSource
}

func fromSection(s *Section) *BrokerConfig {
	cfg := &BrokerConfig{
		ProjectID:                s.ProjectID,
		ProjectNumber:            s.ProjectNumber,
		PublisherValidationToken: s.PublisherValidationToken,
		CredentialsFile:          s.CredentialsFile,
		Environment:              ResolveEnvironment(s.Environment),
		Subscriptions:            make(map[string]string, len(s.Subscriptions)),
	}
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	for role, name := range s.Subscriptions {
		cfg.Subscriptions[role] = name
	}
	return cfg
}

// SubscriptionName returns the subscription configured for a logical role.
func (c *BrokerConfig) SubscriptionName(role string) (string, bool) {
	name, ok := c.Subscriptions[role]
	return name, ok && name != ""
}

// PubsubServiceAccountName returns the IAM member of the project's Pub/Sub
// service agent, or "" when no project number is configured.
func (c *BrokerConfig) PubsubServiceAccountName() string {
	if strings.TrimSpace(c.ProjectNumber) == "" {
		return ""
	}
	return fmt.Sprintf("serviceAccount:service-%s@gcp-sa-pubsub.iam.gserviceaccount.com", c.ProjectNumber)
}
