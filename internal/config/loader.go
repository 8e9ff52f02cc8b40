package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SensorConfig names one substitute temperature sensor a proxy can display
// and target against.
type SensorConfig struct {
	Name   string `yaml:"name"`
	Entity string `yaml:"entity"`
}

// ProxyConfig represents one virtual thermostat in proxies.yaml.
type ProxyConfig struct {
	Name         string         `yaml:"name"`
	DeviceEntity string         `yaml:"device_entity"`
	Sensors      []SensorConfig `yaml:"sensors"`

	// DefaultSensor selects the sensor active at startup when no persisted
	// selection exists. Empty means the physical device's own reading.
	DefaultSensor        string `yaml:"default_sensor"`
	UseLastActiveSensor  bool   `yaml:"use_last_active_sensor"`

	// User safety bounds for device targets. Nil falls back to the
	// device-reported limits.
	MinTemp   *float64 `yaml:"min_temp"`
	MaxTemp   *float64 `yaml:"max_temp"`
	Precision *float64 `yaml:"precision"`

	// Unit is the temperature unit reported when the device snapshot does
	// not carry one.
	Unit string `yaml:"unit"`

	CooldownSeconds int `yaml:"cooldown_seconds"`

	// SSOTSettings lists setting keys the proxy is the single source of
	// truth for. IgnoreDeviceSettings lists keys whose external changes are
	// always rejected; they are implicitly SSOT as well.
	SSOTSettings         []string `yaml:"ssot_settings"`
	IgnoreDeviceSettings []string `yaml:"ignore_device_settings"`

	OverdriveHeat *float64 `yaml:"overdrive_heat"`
	OverdriveCool *float64 `yaml:"overdrive_cool"`

	AuditLog bool `yaml:"audit_log"`
}

// Cooldown returns the minimum spacing between device writes.
func (p *ProxyConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// ProxiesConfig represents the proxies.yaml structure.
type ProxiesConfig struct {
	Proxies []ProxyConfig `yaml:"proxies"`
}

// Loader manages configuration file loading.
type Loader struct {
	configDir string
	logger    *zap.Logger
	proxies   *ProxiesConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// LoadAll loads all configuration files
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadProxiesConfig(); err != nil {
		return fmt.Errorf("failed to load proxies config: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadProxiesConfig loads the proxies.yaml file
func (l *Loader) LoadProxiesConfig() error {
	path := filepath.Join(l.configDir, "proxies.yaml")
	l.logger.Debug("Loading proxies config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read proxies config: %w", err)
	}

	var config ProxiesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse proxies config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid proxies config: %w", err)
	}

	l.proxies = &config
	l.logger.Info("Proxies config loaded successfully",
		zap.Int("proxy_count", len(config.Proxies)))
	return nil
}

// GetProxiesConfig returns the loaded proxies configuration
func (l *Loader) GetProxiesConfig() *ProxiesConfig {
	return l.proxies
}

// Validate checks structural requirements the proxy engine depends on.
func (c *ProxiesConfig) Validate() error {
	if len(c.Proxies) == 0 {
		return fmt.Errorf("no proxies defined")
	}
	seen := make(map[string]bool)
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if p.Name == "" {
			return fmt.Errorf("proxy %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("proxy %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.DeviceEntity == "" {
			return fmt.Errorf("proxy %q: device_entity is required", p.Name)
		}
		sensorNames := make(map[string]bool)
		for _, s := range p.Sensors {
			if s.Name == "" || s.Entity == "" {
				return fmt.Errorf("proxy %q: sensors need both name and entity", p.Name)
			}
			if sensorNames[s.Name] {
				return fmt.Errorf("proxy %q: duplicate sensor name %q", p.Name, s.Name)
			}
			sensorNames[s.Name] = true
		}
		if p.DefaultSensor != "" && !sensorNames[p.DefaultSensor] {
			return fmt.Errorf("proxy %q: default_sensor %q is not a configured sensor", p.Name, p.DefaultSensor)
		}
		if p.CooldownSeconds < 0 {
			return fmt.Errorf("proxy %q: cooldown_seconds must not be negative", p.Name)
		}
	}
	return nil
}
