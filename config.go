package main

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"garaged/bridge"
	"garaged/button"
	"garaged/door"
	"garaged/eventpipe"
	"garaged/hwio"
	"garaged/indicator"
	"garaged/metrics"
	"garaged/sensor"
)

// Config is the main configuration structure for garaged.
type Config struct {
	// ClientID identifies this daemon to the MQTT broker.
	ClientID string `yaml:"client_id" validate:"required"`

	// GPIO selects the hardware access driver.
	GPIO hwio.Config `yaml:"gpio"`

	// MQTT broker connection settings. Empty host disables the bridge.
	MQTT bridge.Config `yaml:"mqtt"`

	// Metrics endpoint settings.
	Metrics metrics.Config `yaml:"metrics"`

	// EventPipe enables the diagnostic named pipe when a path is set.
	EventPipe eventpipe.Config `yaml:"event_pipe"`

	// Buttons binds input-device keys to doors.
	Buttons []button.Config `yaml:"buttons" validate:"dive"`

	// Doors lists the managed doors.
	Doors []DoorConfig `yaml:"doors" validate:"required,min=1,dive"`
}

// DoorConfig is one door with its indicator and sensors.
type DoorConfig struct {
	door.Config `yaml:",inline"`

	Indicator indicator.Config `yaml:"indicator"`

	// Sensors must contain exactly one open-function and one
	// close-function sensor.
	Sensors []SensorConfig `yaml:"sensors" validate:"required,len=2,dive"`
}

// SensorConfig selects one sensor implementation for one door function.
type SensorConfig struct {
	Class    string `yaml:"class" validate:"required,oneof=sonar proximity serial"`
	Function string `yaml:"function" validate:"required,oneof=open close"`

	Sonar     *sensor.SonarConfig        `yaml:"sonar"`
	Proximity *sensor.ProximityConfig    `yaml:"proximity"`
	Serial    *sensor.SerialRangerConfig `yaml:"serial"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints the yaml decoder cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	names := make(map[string]bool, len(c.Doors))
	for _, d := range c.Doors {
		if names[d.Name] {
			return fmt.Errorf("duplicate door name %q", d.Name)
		}
		names[d.Name] = true

		if err := d.validateSensors(); err != nil {
			return fmt.Errorf("door %s: %w", d.Name, err)
		}
	}

	for _, b := range c.Buttons {
		if !names[b.Door] {
			return fmt.Errorf("button device %s references unknown door %q", b.Device, b.Door)
		}
	}
	return nil
}

func (d DoorConfig) validateSensors() error {
	functions := make(map[string]int, 2)
	for _, s := range d.Sensors {
		functions[s.Function]++
		if err := s.validateClass(); err != nil {
			return err
		}
	}
	if functions["open"] != 1 || functions["close"] != 1 {
		return fmt.Errorf("need exactly one open and one close sensor, got %d open and %d close",
			functions["open"], functions["close"])
	}
	return nil
}

func (s SensorConfig) validateClass() error {
	present := false
	switch s.Class {
	case "sonar":
		present = s.Sonar != nil
	case "proximity":
		present = s.Proximity != nil
	case "serial":
		present = s.Serial != nil
	}
	if !present {
		return fmt.Errorf("%s sensor for function %s is missing its %s section",
			s.Class, s.Function, s.Class)
	}
	return nil
}
