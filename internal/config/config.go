// Package config loads the agent configuration file.
//
// The file is INI-style:
//
//	[receiver]
//	hostname = host01
//	log_filename = /var/log/reeve.log
//	targets = dev*, pro01
//	targets_directory = /etc/reeve/targets
//	script_to_execute = /usr/bin/yadtshell
//	python_command = /usr/bin/python
//	metrics_directory = /var/lib/reeve/metrics
//	status_port = 8087
//
//	[broadcaster]
//	host = broadcaster.domain.tld
//	port = 8081
//
//	[graphite]
//	enabled = yes
//	host = graphite.domain.tld
//	port = 2003
//
// Each entry of targets is a glob; the allowed targets are the
// basenames of everything the globs match under targets_directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Section and default values of the configuration file.
const (
	sectionReceiver    = "receiver"
	sectionBroadcaster = "broadcaster"
	sectionGraphite    = "graphite"

	DefaultBroadcasterHost  = "localhost"
	DefaultBroadcasterPort  = 8081
	DefaultLogFilename      = "/var/log/reeve.log"
	DefaultInterpreter      = "/usr/bin/python"
	DefaultScriptToExecute  = "/usr/bin/yadtshell"
	DefaultTargetsDirectory = "/etc/reeve/targets"
	DefaultGraphitePort     = 2003

	// MetricsFilename is the snapshot file written below
	// metrics_directory.
	MetricsFilename = "reeve.metrics"
)

// Broadcaster is the bus endpoint.
type Broadcaster struct {
	Host string
	Port int
}

// Graphite is the optional metrics-notification endpoint.
type Graphite struct {
	Enabled bool
	Host    string
	Port    int
}

// Config is the read-only configuration snapshot consumed by the
// agent. ReloadTargets is the only mutation: it re-reads the targets
// globs so targets added after boot are honored.
type Config struct {
	path string

	Hostname         string
	LogFilename      string
	LogLevel         string
	TargetsDirectory string
	ScriptToExecute  string
	Interpreter      string
	MetricsDirectory string
	StatusPort       int

	Broadcaster Broadcaster
	Graphite    Graphite

	mu      sync.Mutex
	targets []string
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %s: %w", path, err)
	}

	receiver := file.Section(sectionReceiver)
	broadcaster := file.Section(sectionBroadcaster)
	graphite := file.Section(sectionGraphite)

	cfg := &Config{
		path:             path,
		Hostname:         receiver.Key("hostname").String(),
		LogFilename:      stringOr(receiver, "log_filename", DefaultLogFilename),
		LogLevel:         stringOr(receiver, "log_level", "info"),
		TargetsDirectory: stringOr(receiver, "targets_directory", DefaultTargetsDirectory),
		ScriptToExecute:  stringOr(receiver, "script_to_execute", DefaultScriptToExecute),
		Interpreter:      stringOr(receiver, "python_command", DefaultInterpreter),
		MetricsDirectory: receiver.Key("metrics_directory").String(),
		targets:          splitTargets(receiver.Key("targets").String()),
	}

	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	if cfg.StatusPort, err = portOr(receiver, "status_port", 0); err != nil {
		return nil, err
	}

	cfg.Broadcaster.Host = stringOr(broadcaster, "host", DefaultBroadcasterHost)
	if cfg.Broadcaster.Port, err = portOr(broadcaster, "port", DefaultBroadcasterPort); err != nil {
		return nil, err
	}

	cfg.Graphite.Host = graphite.Key("host").String()
	if cfg.Graphite.Port, err = portOr(graphite, "port", DefaultGraphitePort); err != nil {
		return nil, err
	}
	if cfg.Graphite.Enabled, err = boolOr(graphite, "enabled", false); err != nil {
		return nil, err
	}
	if cfg.Graphite.Enabled && cfg.Graphite.Host == "" {
		return nil, fmt.Errorf("configuration: [graphite] enabled without a host")
	}

	return cfg, nil
}

// Targets returns the configured target globs.
func (c *Config) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.targets...)
}

// AllowedTargets expands the configured globs under the targets
// directory and returns the sorted basenames of every match.
func (c *Config) AllowedTargets() []string {
	seen := make(map[string]bool)
	for _, pattern := range c.Targets() {
		matches, err := filepath.Glob(filepath.Join(c.TargetsDirectory, pattern))
		if err != nil {
			// A malformed glob matches nothing.
			continue
		}
		for _, match := range matches {
			seen[filepath.Base(match)] = true
		}
	}

	allowed := make([]string, 0, len(seen))
	for target := range seen {
		allowed = append(allowed, target)
	}
	sort.Strings(allowed)
	return allowed
}

// ReloadTargets re-reads the targets globs from the configuration
// file. Every other field keeps its boot-time value.
func (c *Config) ReloadTargets() error {
	file, err := ini.Load(c.path)
	if err != nil {
		return fmt.Errorf("reload configuration file %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.targets = splitTargets(file.Section(sectionReceiver).Key("targets").String())
	c.mu.Unlock()
	return nil
}

// MetricsFile returns the metrics snapshot path, or "" when metrics
// are not configured.
func (c *Config) MetricsFile() string {
	if c.MetricsDirectory == "" {
		return ""
	}
	return filepath.Join(c.MetricsDirectory, MetricsFilename)
}

func splitTargets(raw string) []string {
	var targets []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			targets = append(targets, entry)
		}
	}
	return targets
}

func stringOr(section *ini.Section, key, fallback string) string {
	if v := section.Key(key).String(); v != "" {
		return v
	}
	return fallback
}

func portOr(section *ini.Section, key string, fallback int) (int, error) {
	raw := section.Key(key).String()
	if raw == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("configuration: [%s] %s = %q is not a number", section.Name(), key, raw)
	}
	return port, nil
}

// boolOr parses the yes/no booleans of the configuration format. Any
// value other than yes or no is a fatal configuration error.
func boolOr(section *ini.Section, key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(section.Key(key).String())
	switch raw {
	case "":
		return fallback, nil
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("configuration: [%s] %s = %q, want yes or no", section.Name(), key, raw)
}
