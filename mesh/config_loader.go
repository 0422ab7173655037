package mesh

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. ICP settings missing
// from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Config{ICP: icp.DefaultConfig()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and names the first offending one.
func (c *Config) Validate() error {
	if len(c.Robots) == 0 {
		return fmt.Errorf("at least one robot must be defined")
	}

	seen := make(map[string]bool, len(c.Robots))
	for i, rc := range c.Robots {
		if rc.ID == "" {
			return fmt.Errorf("robots[%d].id is required", i)
		}
		if rc.Topic == "" {
			return fmt.Errorf("robots[%d].topic is required for %s", i, rc.ID)
		}
		if seen[rc.ID] {
			return fmt.Errorf("robots[%d].id %q is duplicated", i, rc.ID)
		}
		seen[rc.ID] = true
	}

	if c.Reference != "" && !seen[c.Reference] {
		return fmt.Errorf("reference %q is not a configured robot", c.Reference)
	}
	if c.VoxelSize < 0 {
		return fmt.Errorf("voxelSize must not be negative, got %v", c.VoxelSize)
	}
	if c.MaxPoints < 0 {
		return fmt.Errorf("maxPoints must not be negative, got %d", c.MaxPoints)
	}
	if err := c.ICP.Validate(); err != nil {
		return fmt.Errorf("icp: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEffectiveReference determines the effective reference robot ID
// Priority: config.Reference > cache.ReferenceRobot > auto-select by scan size
func GetEffectiveReference(config *Config, cache *CalibrationData, scans map[string]*cloud.PointSet[float64]) string {
	if config != nil && config.Reference != "" {
		if _, ok := scans[config.Reference]; ok {
			return config.Reference
		}
	}

	if cache != nil && cache.ReferenceRobot != "" {
		if _, ok := scans[cache.ReferenceRobot]; ok {
			return cache.ReferenceRobot
		}
	}

	return SelectReferenceRobot(scans)
}

// InitialGuess returns the configured 2D starting transform for a robot, or
// nil when the robot has no hint (ICP then starts from identity).
// Rotation is applied about the origin, then the translation.
func InitialGuess(config *Config, robotID string, dim int) *cloud.RigidTransform[float64] {
	if config == nil || dim != 2 {
		return nil
	}
	rc := config.GetRobotByID(robotID)
	if rc == nil || !rc.HasInitialGuess() {
		return nil
	}
	tr := rc.GetTranslation()
	rad := rc.GetRotation() * math.Pi / 180
	guess := cloud.Rotation2D(rad, tr.X, tr.Y)
	return &guess
}

// BuildForceRotationMap parses the --force-rotation CLI flag.
// Format: "ROBOT_ID=DEGREES,ROBOT_ID2=DEGREES2"; malformed entries are skipped.
func BuildForceRotationMap(forceRotation string) map[string]float64 {
	rotations := make(map[string]float64)

	for _, entry := range strings.Split(forceRotation, ",") {
		id, deg, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			continue
		}
		if degrees, err := strconv.ParseFloat(strings.TrimSpace(deg), 64); err == nil {
			rotations[id] = degrees
		}
	}

	return rotations
}

// ApplyForceRotation overrides the configured rotation hint for each listed robot.
func ApplyForceRotation(config *Config, rotations map[string]float64) {
	for id, deg := range rotations {
		if rc := config.GetRobotByID(id); rc != nil {
			d := deg
			rc.Rotation = &d
		}
	}
}
