package mesh

import (
	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
)

// TranslationOffset represents a 2D translation offset for the initial guess
type TranslationOffset struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// RobotConfig defines a scanning robot from the config file
type RobotConfig struct {
	ID          string             `yaml:"id" json:"id"`
	Topic       string             `yaml:"topic" json:"topic"`
	Color       string             `yaml:"color" json:"color"`
	Rotation    *float64           `yaml:"rotation,omitempty" json:"rotation,omitempty"`       // Optional initial-guess rotation in degrees (2D only)
	Translation *TranslationOffset `yaml:"translation,omitempty" json:"translation,omitempty"` // Optional initial-guess translation (2D only)
}

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Reference string        `yaml:"reference,omitempty" json:"reference,omitempty"` // Optional reference robot ID
	Robots    []RobotConfig `yaml:"robots" json:"robots"`
	ICP       icp.Config    `yaml:"icp" json:"icp"`

	VoxelSize        float64 `yaml:"voxelSize,omitempty" json:"voxelSize,omitempty"`               // Downsample scans before alignment (0 = off)
	MaxPoints        int     `yaml:"maxPoints,omitempty" json:"maxPoints,omitempty"`               // Cap on points per scan after downsampling (0 = no cap)
	VectorResolution float64 `yaml:"vectorResolution,omitempty" json:"vectorResolution,omitempty"` // Overlay PNG DPI (default 150)
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetRobotByID returns the robot config for the given ID
func (c *Config) GetRobotByID(id string) *RobotConfig {
	for i := range c.Robots {
		if c.Robots[i].ID == id {
			return &c.Robots[i]
		}
	}
	return nil
}

// RobotIDs returns the configured robot IDs in config order.
func (c *Config) RobotIDs() []string {
	ids := make([]string, len(c.Robots))
	for i, rc := range c.Robots {
		ids[i] = rc.ID
	}
	return ids
}

// HasInitialGuess returns true if the robot has a rotation or translation hint
func (rc *RobotConfig) HasInitialGuess() bool {
	return rc.Rotation != nil || rc.Translation != nil
}

// GetRotation returns the rotation value or 0 if not set
func (rc *RobotConfig) GetRotation() float64 {
	if rc.Rotation != nil {
		return *rc.Rotation
	}
	return 0
}

// GetTranslation returns the translation value or (0,0) if not set
func (rc *RobotConfig) GetTranslation() TranslationOffset {
	if rc.Translation != nil {
		return *rc.Translation
	}
	return TranslationOffset{}
}

// RobotCalibration stores one robot's alignment onto the reference frame.
type RobotCalibration struct {
	Transform   cloud.RigidTransform[float64] `json:"transform"`
	MeanError   float64                       `json:"meanError"`
	Iterations  int                           `json:"iterations"`
	Converged   bool                          `json:"converged"`
	State       icp.State                     `json:"state"`
	RunID       string                        `json:"runId,omitempty"`
	LastUpdated int64                         `json:"lastUpdated"`

	// PointsAtCalibration is the source scan size the transform was computed from.
	PointsAtCalibration int `json:"pointsAtCalibration"`
}

// CalibrationData is the alignment cache stored as JSON next to the config.
type CalibrationData struct {
	ReferenceRobot string                      `json:"referenceRobot"`
	Robots         map[string]RobotCalibration `json:"robots"`
	LastUpdated    int64                       `json:"lastUpdated"`
}
