package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models maintline.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"site" json:"site"`
	Engine struct {
		BulkParallelism int        `yaml:"bulk_parallelism" json:"bulk_parallelism"`
		Lock            LockConfig `yaml:"lock" json:"lock"`
	} `yaml:"engine" json:"engine"`
	Scheduler struct {
		Enabled         bool `yaml:"enabled" json:"enabled"`
		IntervalSeconds int  `yaml:"interval_seconds" json:"interval_seconds"`
	} `yaml:"scheduler" json:"scheduler"`
	Server struct {
		Addr             string `yaml:"addr" json:"addr"`
		BasePath         string `yaml:"base_path" json:"base_path"`
		JWTSecret        string `yaml:"jwt_secret" json:"-"`
		AllowActorHeader bool   `yaml:"allow_actor_header" json:"allow_actor_header"`
	} `yaml:"server" json:"server"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"logging" json:"logging"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
}

type LockConfig struct {
	Backend    string `yaml:"backend" json:"backend"`
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr,omitempty"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"`
	WaitMS     int    `yaml:"wait_ms" json:"wait_ms"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Permissions known to the engine.
var Permissions = []string{
	"machine.read", "machine.manage",
	"part.read", "part.manage", "part.restock",
	"workorder.read", "workorder.create", "workorder.assign", "workorder.start",
	"workorder.complete", "workorder.cancel", "workorder.delete",
	"partrequest.read", "partrequest.submit", "partrequest.decide",
	"partrequest.fulfill", "partrequest.cancel",
	"schedule.read", "schedule.manage", "schedule.run",
	"event.read", "report.export", "rbac.manage",
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mtl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if c.Engine.BulkParallelism < 1 {
		return fmt.Errorf("config.engine.bulk_parallelism must be >= 1")
	}
	switch c.Engine.Lock.Backend {
	case "local":
	case "redis":
		if c.Engine.Lock.RedisAddr == "" {
			return fmt.Errorf("config.engine.lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.engine.lock.backend must be local or redis")
	}
	if c.Engine.Lock.TTLSeconds < 1 {
		return fmt.Errorf("config.engine.lock.ttl_seconds must be >= 1")
	}
	if c.Scheduler.Enabled && c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("config.scheduler.interval_seconds must be >= 1")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be json or text")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	known := map[string]bool{}
	for _, p := range Permissions {
		known[p] = true
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
			if perm != "*" && !known[perm] {
				return fmt.Errorf("role %s references unknown permission %s", roleID, perm)
			}
		}
	}
	return nil
}

// RolePermissions returns the sorted permission set granted by the given roles.
func (c *Config) RolePermissions(roles []string) []string {
	set := map[string]bool{}
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if p == "*" {
				for _, all := range Permissions {
					set[all] = true
				}
				continue
			}
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "maintline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing sections keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `site:
  id: default-site
  name: "Default site"

engine:
  bulk_parallelism: 4
  lock:
    backend: local
    ttl_seconds: 10
    wait_ms: 2000

scheduler:
  enabled: true
  interval_seconds: 60

server:
  addr: "127.0.0.1:8080"
  base_path: /v1
  allow_actor_header: false

logging:
  level: info
  format: json

rbac:
  roles:
    admin:
      description: "Full access"
      permissions: ["*"]
    technician:
      description: "Works orders and requests parts"
      permissions:
        - machine.read
        - part.read
        - workorder.read
        - workorder.start
        - workorder.complete
        - partrequest.read
        - partrequest.submit
        - partrequest.cancel
        - schedule.read
    logistics:
      description: "Approves and fulfills part requests"
      permissions:
        - machine.read
        - part.read
        - part.restock
        - workorder.read
        - partrequest.read
        - partrequest.decide
        - partrequest.fulfill
        - report.export
    viewer:
      description: "Read-only dashboards"
      permissions:
        - machine.read
        - part.read
        - workorder.read
        - partrequest.read
        - schedule.read
        - event.read
`
