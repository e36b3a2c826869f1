package config

import (
	"os"
	"strings"
)

// Environment is the deployment stage the process runs in.
type Environment string

const (
	Development Environment = "development"
	Test        Environment = "test"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// EnvironmentVariable is consulted when a source does not set an environment.
const EnvironmentVariable = "APP_ENV"

// ResolveEnvironment normalises value, falling back to APP_ENV and then to Production.
func ResolveEnvironment(value string) Environment {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(os.Getenv(EnvironmentVariable)))
	}
	if v == "" {
		return Production
	}
	return Environment(v)
}

// LogsPayloads reports whether full event payloads may be written to logs.
// Payloads can contain personal data, so only development and staging allow it.
func (e Environment) LogsPayloads() bool {
	return e == Development || e == Staging
}

func (e Environment) String() string { return string(e) }
