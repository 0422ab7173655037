package mesh

import (
	"sync"
	"time"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
)

// DefaultColor is used for robots without a configured color.
const DefaultColor = "#FF0000"

// AlignmentStatus is the latest alignment summary for one robot
type AlignmentStatus struct {
	RobotID    string    `json:"robotId"`
	Points     int       `json:"points"`
	MeanError  float64   `json:"meanError"`
	Iterations int       `json:"iterations"`
	Converged  bool      `json:"converged"`
	State      icp.State `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
	Color      string    `json:"color"` // hex color for this robot
}

// StateTracker tracks the latest scan and alignment per robot for HTTP endpoints
type StateTracker struct {
	mu       sync.RWMutex
	scans    map[string]*cloud.PointSet[float64]
	results  map[string]icp.Result[float64]
	statuses map[string]*AlignmentStatus
	colors   map[string]string // robot ID -> hex color
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		scans:    make(map[string]*cloud.PointSet[float64]),
		results:  make(map[string]icp.Result[float64]),
		statuses: make(map[string]*AlignmentStatus),
		colors:   make(map[string]string),
	}
}

// SetColor sets the color for a robot
func (st *StateTracker) SetColor(robotID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[robotID] = hexColor
}

// GetColor returns the robot's color, or DefaultColor.
func (st *StateTracker) GetColor(robotID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[robotID]; c != "" {
		return c
	}
	return DefaultColor
}

// UpdateScan stores the latest scan for a robot. Point sets are never
// mutated after construction, so the pointer is shared.
func (st *StateTracker) UpdateScan(robotID string, ps *cloud.PointSet[float64]) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scans[robotID] = ps
}

// GetScan returns one robot's latest scan.
func (st *StateTracker) GetScan(robotID string) (*cloud.PointSet[float64], bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ps, ok := st.scans[robotID]
	return ps, ok
}

// GetScans returns all current scans
func (st *StateTracker) GetScans() map[string]*cloud.PointSet[float64] {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*cloud.PointSet[float64], len(st.scans))
	for k, v := range st.scans {
		result[k] = v
	}
	return result
}

// HasScans returns true if we have at least one scan
func (st *StateTracker) HasScans() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.scans) > 0
}

// UpdateResult records an alignment result and refreshes the robot's status.
func (st *StateTracker) UpdateResult(robotID string, points int, res icp.Result[float64]) {
	st.mu.Lock()
	defer st.mu.Unlock()

	color := st.colors[robotID]
	if color == "" {
		color = DefaultColor
	}

	st.results[robotID] = res
	st.statuses[robotID] = &AlignmentStatus{
		RobotID:    robotID,
		Points:     points,
		MeanError:  res.MeanError,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		State:      res.State,
		Timestamp:  time.Now(),
		Color:      color,
	}
}

// GetResult returns the latest alignment result for a robot.
func (st *StateTracker) GetResult(robotID string) (icp.Result[float64], bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.results[robotID]
	if ok {
		res.History = append([]icp.IterationStats(nil), res.History...)
	}
	return res, ok
}

// GetStatuses returns all alignment statuses
func (st *StateTracker) GetStatuses() map[string]*AlignmentStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*AlignmentStatus, len(st.statuses))
	for k, v := range st.statuses {
		copy := *v
		result[k] = &copy
	}
	return result
}
