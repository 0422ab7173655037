package mesh

import (
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
)

// ScanAligner handles incoming scans: it stores each one, aligns it onto the
// reference robot's latest scan, updates the calibration cache and publishes
// the result. Calls are serialized; the reference index is rebuilt only when
// the reference scan changes.
type ScanAligner struct {
	config       *Config
	cache        *CalibrationData
	cachePath    string
	dataDir      string
	stateTracker *StateTracker
	publisher    *Publisher

	// MinInterval skips re-aligning a robot whose cached entry is younger
	// than this and whose scan size has not changed much. Zero aligns every scan.
	MinInterval time.Duration

	mu       sync.Mutex
	refID    string
	refScan  *cloud.PointSet[float64]
	refIndex icp.Index[float64]
}

// NewScanAligner creates a ScanAligner. cachePath and dataDir may be empty
// to disable persistence; publisher may be nil.
func NewScanAligner(config *Config, cache *CalibrationData, cachePath, dataDir string, st *StateTracker, publisher *Publisher) *ScanAligner {
	if cache == nil {
		cache = &CalibrationData{Robots: make(map[string]RobotCalibration)}
	}
	if config == nil {
		config = &Config{ICP: icp.DefaultConfig()}
	}
	return &ScanAligner{
		config:       config,
		cache:        cache,
		cachePath:    cachePath,
		dataDir:      dataDir,
		stateTracker: st,
		publisher:    publisher,
	}
}

// SetPublisher attaches the publisher once the MQTT client exists.
func (sa *ScanAligner) SetPublisher(p *Publisher) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.publisher = p
}

// OnScan is the MessageHandler registered with the MQTT client.
func (sa *ScanAligner) OnScan(robotID string, scan *cloud.PointSet[float64], err error) {
	if err != nil {
		log.Printf("[ALIGN] %s: dropping undecodable scan: %v", robotID, err)
		return
	}
	if _, err := sa.Process(robotID, scan); err != nil {
		log.Printf("[ALIGN] %s: %v", robotID, err)
	}
}

// Process runs one scan through the pipeline and returns the published
// message. It returns nil, nil when the scan was stored but alignment was
// skipped (no reference yet, or the cached entry is still fresh).
func (sa *ScanAligner) Process(robotID string, scan *cloud.PointSet[float64]) (*AlignmentMessage, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if scan.Len() == 0 {
		return nil, fmt.Errorf("%w for robot %s", icp.ErrEmptySource, robotID)
	}

	sa.stateTracker.UpdateScan(robotID, scan)
	sa.persistScan(robotID, scan)

	referenceID := sa.resolveReference()
	if referenceID == "" {
		return nil, nil
	}
	if referenceID != sa.cache.ReferenceRobot {
		if sa.cache.ReferenceRobot != "" {
			log.Printf("[ALIGN] reference changed %s -> %s, dropping cached transforms", sa.cache.ReferenceRobot, referenceID)
		}
		sa.cache.ReferenceRobot = referenceID
		sa.cache.Robots = make(map[string]RobotCalibration)
	}

	runID := uuid.NewString()

	if robotID == referenceID {
		res := icp.Result[float64]{
			Transform: cloud.Identity[float64](scan.Dim()),
			Converged: true,
			State:     icp.StateConverged,
		}
		return sa.record(robotID, referenceID, runID, scan.Len(), res), nil
	}

	if !sa.cache.ShouldRecalibrate(robotID, scan.Len(), sa.MinInterval) {
		log.Printf("[ALIGN] %s: cached transform still fresh, skipping", robotID)
		return nil, nil
	}

	refScan, ok := sa.stateTracker.GetScan(referenceID)
	if !ok {
		log.Printf("[ALIGN] %s: reference %s has no scan yet, skipping", robotID, referenceID)
		return nil, nil
	}
	if refScan.Dim() != scan.Dim() {
		return nil, fmt.Errorf("%w: scan is %dD, reference %s is %dD", icp.ErrDimensionMismatch, scan.Dim(), referenceID, refScan.Dim())
	}

	index, err := sa.referenceIndex(referenceID, refScan)
	if err != nil {
		return nil, err
	}
	source, err := PrepareScan(scan, sa.config)
	if err != nil {
		return nil, fmt.Errorf("preparing scan: %w", err)
	}

	res, err := icp.AlignIndex(source, index, sa.initialGuess(robotID, scan.Dim()), sa.config.ICP)
	if err != nil {
		sa.stateTracker.UpdateResult(robotID, scan.Len(), res)
		return nil, fmt.Errorf("alignment against %s failed (keeping previous transform): %w", referenceID, err)
	}
	log.Printf("[ALIGN] %s -> %s: mean error %.6g after %d iterations (%s)",
		robotID, referenceID, res.MeanError, res.Iterations, res.State)

	return sa.record(robotID, referenceID, runID, scan.Len(), res), nil
}

// record stores a successful result everywhere it is needed and publishes it.
func (sa *ScanAligner) record(robotID, referenceID, runID string, points int, res icp.Result[float64]) *AlignmentMessage {
	sa.cache.UpdateRobotCalibration(robotID, calibrationFromResult(res, runID, points))
	if sa.cachePath != "" {
		if err := SaveCalibration(sa.cachePath, sa.cache); err != nil {
			log.Printf("[ALIGN] %s: failed to save calibration cache: %v", robotID, err)
		}
	}
	sa.stateTracker.UpdateResult(robotID, points, res)

	msg := NewAlignmentMessage(robotID, referenceID, runID, res)
	if sa.publisher != nil {
		if err := sa.publisher.PublishAlignment(msg); err != nil {
			log.Printf("[ALIGN] %s: publish failed: %v", robotID, err)
		}
	}
	return msg
}

// initialGuess warm-starts from the cached transform, falling back to the
// configured hint.
func (sa *ScanAligner) initialGuess(robotID string, dim int) *cloud.RigidTransform[float64] {
	if rc := sa.cache.GetRobotCalibration(robotID); rc != nil && rc.Transform.Dim() == dim {
		return &rc.Transform
	}
	return InitialGuess(sa.config, robotID, dim)
}

func (sa *ScanAligner) referenceIndex(referenceID string, refScan *cloud.PointSet[float64]) (icp.Index[float64], error) {
	if sa.refIndex != nil && sa.refID == referenceID && sa.refScan == refScan {
		return sa.refIndex, nil
	}
	target, err := PrepareScan(refScan, sa.config)
	if err != nil {
		return nil, fmt.Errorf("preparing reference %s: %w", referenceID, err)
	}
	sa.refID, sa.refScan = referenceID, refScan
	sa.refIndex = icp.NewIndex(target, sa.config.ICP)
	log.Printf("[ALIGN] indexed reference %s (%d points)", referenceID, target.Len())
	return sa.refIndex, nil
}

// resolveReference determines the reference robot from config, cache, or the
// scans seen so far.
func (sa *ScanAligner) resolveReference() string {
	if sa.config.Reference != "" {
		return sa.config.Reference
	}
	if sa.cache.ReferenceRobot != "" {
		return sa.cache.ReferenceRobot
	}
	return SelectReferenceRobot(sa.stateTracker.GetScans())
}

// persistScan writes the latest scan to dataDir so a restart can reload it.
func (sa *ScanAligner) persistScan(robotID string, scan *cloud.PointSet[float64]) {
	if sa.dataDir == "" {
		return
	}
	path := filepath.Join(sa.dataDir, ScanFileName(robotID))
	f, err := os.Create(path)
	if err != nil {
		log.Printf("[ALIGN] %s: failed to save scan: %v", robotID, err)
		return
	}
	defer f.Close()
	if err := cloud.EncodeScanJSON(f, robotID, scan); err != nil {
		log.Printf("[ALIGN] %s: failed to save scan: %v", robotID, err)
	}
}

// Snapshot returns a copy of the calibration cache safe to read while
// scans keep arriving.
func (sa *ScanAligner) Snapshot() *CalibrationData {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return &CalibrationData{
		ReferenceRobot: sa.cache.ReferenceRobot,
		Robots:         maps.Clone(sa.cache.Robots),
		LastUpdated:    sa.cache.LastUpdated,
	}
}

// ScanFileName is the file a robot's latest scan is stored under.
func ScanFileName(robotID string) string {
	return fmt.Sprintf("scan-%s.json", robotID)
}
