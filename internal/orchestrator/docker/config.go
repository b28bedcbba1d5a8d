package docker

import (
	"fmt"
	"strings"
	"time"

	"executor/internal/config"
)

// Host is one Docker daemon of the pool.
type Host struct {
	Name string // node id, stable across restarts
	URL  string // daemon address; empty uses DOCKER_HOST and friends
}

// Config holds configuration for the Docker platform.
type Config struct {
	Hosts       []Host
	PullImages  bool          // pull images missing on the target daemon (default: true)
	StopTimeout time.Duration // grace period before SIGKILL on removal (default: 10s)
	ExtraHosts  []string      // extra /etc/hosts entries for containers (e.g., ["api.test:host-gateway"])
	Network     string        // network to attach containers to (default: daemon default)
}

// LoadConfigFromEnv loads platform configuration from environment variables.
// DOCKER_HOSTS is a comma-separated list of daemon URLs, each optionally
// prefixed with a node name: "a=tcp://10.0.0.1:2376,b=tcp://10.0.0.2:2376".
func LoadConfigFromEnv() (Config, error) {
	hosts, err := ParseHosts(config.GetListEnv("DOCKER_HOSTS", nil))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Hosts:       hosts,
		PullImages:  config.GetBoolEnv("DOCKER_PULL_IMAGES", true),
		StopTimeout: config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
		ExtraHosts:  config.GetListEnv("EXTRA_HOSTS", nil),
		Network:     config.GetEnv("DOCKER_NETWORK", ""),
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if len(c.Hosts) == 0 {
		c.Hosts = []Host{{Name: "local"}}
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// ParseHosts parses DOCKER_HOSTS entries. Unnamed entries are called
// node-<index>.
func ParseHosts(entries []string) ([]Host, error) {
	hosts := make([]Host, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		h := Host{Name: fmt.Sprintf("node-%d", i), URL: entry}
		if name, url, ok := strings.Cut(entry, "="); ok {
			h.Name, h.URL = strings.TrimSpace(name), strings.TrimSpace(url)
		}
		if h.Name == "" || strings.Contains(h.Name, "/") {
			return nil, fmt.Errorf("invalid docker host name %q", h.Name)
		}
		if seen[h.Name] {
			return nil, fmt.Errorf("duplicate docker host name %q", h.Name)
		}
		seen[h.Name] = true
		hosts = append(hosts, h)
	}
	return hosts, nil
}
