package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
)

// DefaultCalibrationCachePath is the default path for the alignment cache
const DefaultCalibrationCachePath = ".calibration-cache.json"

// scanChangeRatio is the relative change in scan size that invalidates a
// cached alignment regardless of its age.
const scanChangeRatio = 0.1

// LoadCalibration loads alignment data from a JSON cache file.
// A missing file is not an error: it returns nil, nil.
func LoadCalibration(path string) (*CalibrationData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No calibration file yet
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal CalibrationData
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	if cal.Robots == nil {
		cal.Robots = make(map[string]RobotCalibration)
	}

	return &cal, nil
}

// SaveCalibration saves alignment data to a JSON cache file
func SaveCalibration(path string, cal *CalibrationData) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	cal.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}

	return nil
}

// PrepareScan applies the configured voxel downsampling and point cap.
// The input is returned unchanged when neither is set.
func PrepareScan(ps *cloud.PointSet[float64], config *Config) (*cloud.PointSet[float64], error) {
	if config == nil {
		return ps, nil
	}
	out := ps
	if config.VoxelSize > 0 {
		var err error
		out, err = cloud.DownsampleVoxel(ps, config.VoxelSize)
		if err != nil {
			return nil, err
		}
	}
	return cloud.Sample(out, config.MaxPoints), nil
}

// CalibrateRobots aligns every scan onto the reference robot's scan. The
// reference is indexed once and gets the identity. A robot whose alignment
// fails is logged and left out of the returned cache; its result (State
// StateFailed) is still reported.
func CalibrateRobots(scans map[string]*cloud.PointSet[float64], referenceID string, config *Config) (*CalibrationData, map[string]icp.Result[float64], error) {
	if config == nil {
		config = &Config{ICP: icp.DefaultConfig()}
	}
	refScan, ok := scans[referenceID]
	if !ok {
		return nil, nil, fmt.Errorf("reference robot %q not found", referenceID)
	}
	target, err := PrepareScan(refScan, config)
	if err != nil {
		return nil, nil, fmt.Errorf("preparing reference %s: %w", referenceID, err)
	}
	if target.Len() == 0 {
		return nil, nil, fmt.Errorf("reference %s: %w", referenceID, icp.ErrEmptyTarget)
	}

	runID := uuid.NewString()
	now := time.Now().Unix()
	cal := &CalibrationData{
		ReferenceRobot: referenceID,
		Robots:         make(map[string]RobotCalibration),
		LastUpdated:    now,
	}
	results := make(map[string]icp.Result[float64], len(scans))

	dim := target.Dim()
	cal.Robots[referenceID] = RobotCalibration{
		Transform:           cloud.Identity[float64](dim),
		Converged:           true,
		State:               icp.StateConverged,
		RunID:               runID,
		LastUpdated:         now,
		PointsAtCalibration: refScan.Len(),
	}

	index := icp.NewIndex(target, config.ICP)
	for _, id := range slices.Sorted(maps.Keys(scans)) {
		if id == referenceID {
			continue
		}
		source, err := PrepareScan(scans[id], config)
		if err != nil {
			log.Printf("[CAL] %s: %v", id, err)
			results[id] = icp.Result[float64]{State: icp.StateFailed}
			continue
		}
		if source.Len() > 0 && source.Dim() != dim {
			log.Printf("[CAL] %s: scan is %dD, reference is %dD; skipping", id, source.Dim(), dim)
			results[id] = icp.Result[float64]{State: icp.StateFailed}
			continue
		}

		res, err := icp.AlignIndex(source, index, InitialGuess(config, id, dim), config.ICP)
		results[id] = res
		if err != nil {
			log.Printf("[CAL] %s: alignment failed: %v", id, err)
			continue
		}
		log.Printf("[CAL] %s -> %s: mean error %.6g after %d iterations (%s)",
			id, referenceID, float64(res.MeanError), res.Iterations, res.State)
		cal.Robots[id] = calibrationFromResult(res, runID, scans[id].Len())
	}

	return cal, results, nil
}

func calibrationFromResult(res icp.Result[float64], runID string, points int) RobotCalibration {
	return RobotCalibration{
		Transform:           res.Transform,
		MeanError:           res.MeanError,
		Iterations:          res.Iterations,
		Converged:           res.Converged,
		State:               res.State,
		RunID:               runID,
		LastUpdated:         time.Now().Unix(),
		PointsAtCalibration: points,
	}
}

// SelectReferenceRobot picks the robot with the largest scan. Ties go to the
// lexicographically smallest ID so the choice is stable.
func SelectReferenceRobot(scans map[string]*cloud.PointSet[float64]) string {
	var bestID string
	best := -1
	for _, id := range slices.Sorted(maps.Keys(scans)) {
		if n := scans[id].Len(); n > best {
			best = n
			bestID = id
		}
	}
	return bestID
}

// GetTransform retrieves the transform for a robot.
// Returns the identity of the given dimension if not found.
func (c *CalibrationData) GetTransform(robotID string, dim int) cloud.RigidTransform[float64] {
	if rc := c.GetRobotCalibration(robotID); rc != nil && rc.Transform.Dim() == dim {
		return rc.Transform
	}
	return cloud.Identity[float64](dim)
}

// GetAffine returns a robot's 2D transform in affine form, or the identity.
func (c *CalibrationData) GetAffine(robotID string) cloud.AffineMatrix {
	m, err := c.GetTransform(robotID, 2).ToAffine2D()
	if err != nil {
		return cloud.IdentityAffine()
	}
	return m
}

// GetRobotCalibration returns a copy of the stored entry, or nil.
func (c *CalibrationData) GetRobotCalibration(robotID string) *RobotCalibration {
	if c == nil || c.Robots == nil {
		return nil
	}
	rc, ok := c.Robots[robotID]
	if !ok {
		return nil
	}
	return &rc
}

// UpdateRobotCalibration stores an entry, initializing the map if needed.
func (c *CalibrationData) UpdateRobotCalibration(robotID string, rc RobotCalibration) {
	if c.Robots == nil {
		c.Robots = make(map[string]RobotCalibration)
	}
	c.Robots[robotID] = rc
	if rc.LastUpdated > c.LastUpdated {
		c.LastUpdated = rc.LastUpdated
	}
}

// CalibrationStatus provides status information about calibration
type CalibrationStatus struct {
	ReferenceRobot   string            `json:"referenceRobot"`
	CalibratedRobots []string          `json:"calibratedRobots"`
	MissingRobots    []string          `json:"missingRobots"`
	LastUpdated      time.Time         `json:"lastUpdated"`
	Errors           map[string]string `json:"errors,omitempty"`
}

// GetStatus returns the current calibration status. Entries that did not
// converge are listed as calibrated with a note in Errors.
func (c *CalibrationData) GetStatus(expectedRobots []string) CalibrationStatus {
	status := CalibrationStatus{
		Errors: make(map[string]string),
	}

	if c == nil {
		status.MissingRobots = expectedRobots
		return status
	}

	status.ReferenceRobot = c.ReferenceRobot
	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for _, id := range slices.Sorted(maps.Keys(c.Robots)) {
		status.CalibratedRobots = append(status.CalibratedRobots, id)
		if rc := c.Robots[id]; !rc.Converged {
			status.Errors[id] = fmt.Sprintf("%s after %d iterations (mean error %.6g)", rc.State, rc.Iterations, rc.MeanError)
		}
	}

	for _, id := range expectedRobots {
		if _, ok := c.Robots[id]; !ok {
			status.MissingRobots = append(status.MissingRobots, id)
		}
	}

	return status
}

// NeedsRecalibration checks if the whole cache should be refreshed
func (c *CalibrationData) NeedsRecalibration(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}

// ShouldRecalibrate reports whether one robot's entry is missing, older than
// minInterval, or was computed from a scan whose size differs from points by
// more than 10%.
func (c *CalibrationData) ShouldRecalibrate(robotID string, points int, minInterval time.Duration) bool {
	rc := c.GetRobotCalibration(robotID)
	if rc == nil || rc.LastUpdated == 0 {
		return true
	}
	if time.Since(time.Unix(rc.LastUpdated, 0)) > minInterval {
		return true
	}
	if rc.PointsAtCalibration == 0 {
		return points > 0
	}
	change := math.Abs(float64(points-rc.PointsAtCalibration)) / float64(rc.PointsAtCalibration)
	return change > scanChangeRatio
}
