package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the variable prefix used by Environ and DotEnvFile.
const DefaultEnvPrefix = "BROKER"

// --- YAML file ---

type yamlFileSource struct {
	path string
}

// YAMLFile reads the message_broker section of a YAML file. The source is
// present when the file exists and contains that section.
func YAMLFile(path string) Source {
	return &yamlFileSource{path: path}
}

func (s *yamlFileSource) Name() string { return "yaml:" + s.path }

func (s *yamlFileSource) Lookup() (*Section, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var doc struct {
		MessageBroker *Section `yaml:"message_broker"`
	}
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		// An empty file has no documents.
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	if doc.MessageBroker == nil {
		return nil, false, nil
	}
	return doc.MessageBroker, true, nil
}

// --- Process environment ---

type environSource struct {
	prefix string
}

// Environ reads <PREFIX>_* variables from the process environment. The source
// is present when <PREFIX>_PROJECT_ID is set.
func Environ(prefix string) Source {
	return &environSource{prefix: prefix}
}

func (s *environSource) Name() string { return "env:" + s.prefix }

func (s *environSource) Lookup() (*Section, bool, error) {
	return sectionFromLookup(s.prefix, os.LookupEnv)
}

// --- .env file ---

type dotEnvSource struct {
	path   string
	prefix string
}

// DotEnvFile reads <PREFIX>_* keys from a dotenv file without touching the
// process environment. The source is present when the file exists and sets
// <PREFIX>_PROJECT_ID.
func DotEnvFile(path, prefix string) Source {
	return &dotEnvSource{path: path, prefix: prefix}
}

func (s *dotEnvSource) Name() string { return "dotenv:" + s.path }

func (s *dotEnvSource) Lookup() (*Section, bool, error) {
	values, err := godotenv.Read(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sectionFromLookup(s.prefix, func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	})
}

// --- In-process ---

type mapSource struct {
	name    string
	section *Section
}

// Map wraps an in-process section; it is present when section is non-nil.
func Map(name string, section *Section) Source {
	return &mapSource{name: name, section: section}
}

func (s *mapSource) Name() string { return "map:" + s.name }

func (s *mapSource) Lookup() (*Section, bool, error) {
	return s.section, s.section != nil, nil
}

// sectionFromLookup builds a Section from flat KEY=value settings.
// Subscriptions are given as "role=name,role=name".
func sectionFromLookup(prefix string, lookup func(string) (string, bool)) (*Section, bool, error) {
	key := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "_" + name
	}

	projectID, ok := lookup(key("PROJECT_ID"))
	if !ok || projectID == "" {
		return nil, false, nil
	}

	section := &Section{ProjectID: projectID}
	section.ProjectNumber, _ = lookup(key("PROJECT_NUMBER"))
	section.PublisherValidationToken, _ = lookup(key("PUBLISHER_VALIDATION_TOKEN"))
	section.CredentialsFile, _ = lookup(key("CREDENTIALS_FILE"))
	section.Environment, _ = lookup(key("ENVIRONMENT"))

	if raw, ok := lookup(key("ENABLED")); ok && raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false, fmt.Errorf("invalid %s: %w", key("ENABLED"), err)
		}
		section.Enabled = &enabled
	}

	if raw, ok := lookup(key("SUBSCRIPTIONS")); ok && raw != "" {
		subs, err := parseSubscriptions(raw)
		if err != nil {
			return nil, false, fmt.Errorf("invalid %s: %w", key("SUBSCRIPTIONS"), err)
		}
		section.Subscriptions = subs
	}
	return section, true, nil
}

func parseSubscriptions(raw string) (map[string]string, error) {
	subs := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, name, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(role) == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("expected role=name, got %q", pair)
		}
		subs[strings.TrimSpace(role)] = strings.TrimSpace(name)
	}
	return subs, nil
}
