package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
)

// DefaultPublishPrefix is the topic prefix used when neither the environment
// nor the config sets one.
const DefaultPublishPrefix = "tudoscan"

// AlignmentMessage is the payload published for each aligned scan
type AlignmentMessage struct {
	RobotID        string                        `json:"robotId"`
	ReferenceRobot string                        `json:"referenceRobot"`
	RunID          string                        `json:"runId"`
	Transform      cloud.RigidTransform[float64] `json:"transform"`
	Affine         *cloud.AffineMatrix           `json:"affine,omitempty"` // 2D scans only
	MeanError      float64                       `json:"meanError"`
	Iterations     int                           `json:"iterations"`
	Converged      bool                          `json:"converged"`
	State          icp.State                     `json:"state"`
	Timestamp      int64                         `json:"timestamp"`
}

// NewAlignmentMessage builds the payload for one ICP result.
func NewAlignmentMessage(robotID, referenceID, runID string, res icp.Result[float64]) *AlignmentMessage {
	msg := &AlignmentMessage{
		RobotID:        robotID,
		ReferenceRobot: referenceID,
		RunID:          runID,
		Transform:      res.Transform,
		MeanError:      res.MeanError,
		Iterations:     res.Iterations,
		Converged:      res.Converged,
		State:          res.State,
		Timestamp:      time.Now().Unix(),
	}
	if m, err := res.Transform.ToAffine2D(); err == nil {
		msg.Affine = &m
	}
	return msg
}

// Publisher manages publishing alignment results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	alignments    map[string]*AlignmentMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new alignment publisher.
// The prefix comes from MQTT_PUBLISH_PREFIX, then configPrefix, then the default.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, configPrefix string) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = configPrefix
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget
		retain:        true, // late subscribers get the latest transform
		alignments:    make(map[string]*AlignmentMessage),
	}
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishAlignment publishes one robot's alignment to its individual topic
// and refreshes the combined topic.
func (p *Publisher) PublishAlignment(msg *AlignmentMessage) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.alignments[msg.RobotID] = msg
	p.mu.Unlock()

	if err := p.publishIndividual(msg); err != nil {
		log.Printf("[MQTT] Error publishing transform for %s: %v", msg.RobotID, err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] Error publishing combined transforms: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes to {prefix}/{robotID}/transform
func (p *Publisher) publishIndividual(msg *AlignmentMessage) error {
	topic := fmt.Sprintf("%s/%s/transform", p.publishPrefix, msg.RobotID)

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling alignment: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] Published transform for %s: mean error %.6g, %d iterations (%s)",
		msg.RobotID, msg.MeanError, msg.Iterations, msg.State)
	return nil
}

// publishCombined publishes every known alignment, ordered by robot ID, to {prefix}/transforms
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	ids := slices.Sorted(maps.Keys(p.alignments))
	robots := make([]*AlignmentMessage, 0, len(ids))
	for _, id := range ids {
		robots = append(robots, p.alignments[id])
	}
	p.mu.RUnlock()

	if len(robots) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/transforms", p.publishPrefix)

	message := map[string]interface{}{
		"robots":    robots,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined transforms: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetAlignment returns the last published alignment for a robot
func (p *Publisher) GetAlignment(robotID string) (*AlignmentMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.alignments[robotID]
	return msg, ok
}

// GetAllAlignments returns a copy of all known alignments
func (p *Publisher) GetAllAlignments() map[string]*AlignmentMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*AlignmentMessage, len(p.alignments))
	for id, msg := range p.alignments {
		msgCopy := *msg
		out[id] = &msgCopy
	}
	return out
}

// ClearAlignment forgets a robot (e.g., when removed from config)
func (p *Publisher) ClearAlignment(robotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alignments, robotID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
