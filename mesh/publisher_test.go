package mesh

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/icp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convergedResult(theta, tx, ty float64) icp.Result[float64] {
	return icp.Result[float64]{
		Transform:  cloud.Rotation2D[float64](theta, tx, ty),
		MeanError:  1e-8,
		Iterations: 4,
		Converged:  true,
		State:      icp.StateConverged,
	}
}

func TestNewPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	publisher := NewPublisher(nil, "")
	if publisher == nil {
		t.Fatal("NewPublisher() returned nil")
	}
	if publisher.Prefix() != DefaultPublishPrefix {
		t.Errorf("Default prefix = %s, want %s", publisher.Prefix(), DefaultPublishPrefix)
	}
	if publisher.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", publisher.qos)
	}
	if !publisher.retain {
		t.Error("Default retain should be true")
	}
	if publisher.alignments == nil {
		t.Error("Alignments map should be initialized")
	}
}

func TestNewPublisher_PrefixPriority(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	if got := NewPublisher(nil, "site1").Prefix(); got != "site1" {
		t.Errorf("config prefix = %s, want site1", got)
	}

	t.Setenv("MQTT_PUBLISH_PREFIX", "fromenv")
	if got := NewPublisher(nil, "site1").Prefix(); got != "fromenv" {
		t.Errorf("env prefix = %s, want fromenv", got)
	}
}

func TestNewAlignmentMessage(t *testing.T) {
	msg := NewAlignmentMessage("b", "a", "run-1", convergedResult(0, 1, 2))
	assert.Equal(t, "b", msg.RobotID)
	assert.Equal(t, "a", msg.ReferenceRobot)
	assert.Equal(t, "run-1", msg.RunID)
	require.NotNil(t, msg.Affine)
	assert.Equal(t, 1.0, msg.Affine.Tx)
	assert.Equal(t, 2.0, msg.Affine.Ty)
	assert.NotZero(t, msg.Timestamp)

	res3 := icp.Result[float64]{Transform: cloud.Identity[float64](3), State: icp.StateConverged}
	assert.Nil(t, NewAlignmentMessage("c", "a", "run-1", res3).Affine, "3D results carry no affine")
}

func TestPublisher_PublishWithNilClient(t *testing.T) {
	publisher := NewPublisher(nil, "")

	err := publisher.PublishAlignment(NewAlignmentMessage("b", "a", "r", convergedResult(0, 0, 0)))
	if err == nil {
		t.Error("PublishAlignment() with nil client should return error")
	}
}

func TestPublisher_PublishDisconnected(t *testing.T) {
	mock := NewMockClient()
	publisher := NewPublisher(mock, "")

	err := publisher.PublishAlignment(NewAlignmentMessage("b", "a", "r", convergedResult(0, 0, 0)))
	assert.Error(t, err)
	assert.Empty(t, mock.GetPublishedMessages())
}

func TestPublisher_PublishWithMockClient(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "scans")

	require.NoError(t, publisher.PublishAlignment(NewAlignmentMessage("b", "a", "run-1", convergedResult(0.1, 1, 2))))
	require.NoError(t, publisher.PublishAlignment(NewAlignmentMessage("a", "a", "run-1", convergedResult(0, 0, 0))))

	individual := mock.MessagesOn("scans/b/transform")
	require.Len(t, individual, 1)
	assert.True(t, individual[0].Retain)
	assert.Equal(t, byte(0), individual[0].QoS)

	var decoded struct {
		RobotID   string                        `json:"robotId"`
		State     string                        `json:"state"`
		Transform cloud.RigidTransform[float64] `json:"transform"`
	}
	require.NoError(t, json.Unmarshal(individual[0].Payload, &decoded))
	assert.Equal(t, "b", decoded.RobotID)
	assert.Equal(t, "converged", decoded.State)
	assert.True(t, decoded.Transform.ApproxEqual(cloud.Rotation2D[float64](0.1, 1, 2), 1e-12))

	combined := mock.MessagesOn("scans/transforms")
	require.Len(t, combined, 2, "combined topic refreshes on every publish")

	var all struct {
		Robots []struct {
			RobotID string `json:"robotId"`
		} `json:"robots"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(combined[1].Payload, &all))
	require.Len(t, all.Robots, 2)
	assert.Equal(t, "a", all.Robots[0].RobotID, "combined list is ordered by robot ID")
	assert.Equal(t, "b", all.Robots[1].RobotID)
	assert.NotZero(t, all.Timestamp)
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker says no"))
	publisher := NewPublisher(mock, "")

	err := publisher.PublishAlignment(NewAlignmentMessage("b", "a", "r", convergedResult(0, 0, 0)))
	assert.ErrorContains(t, err, "broker says no")
}

func TestPublisher_GetAndClear(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "")

	_, ok := publisher.GetAlignment("b")
	assert.False(t, ok)

	require.NoError(t, publisher.PublishAlignment(NewAlignmentMessage("b", "a", "r", convergedResult(0, 0, 0))))
	msg, ok := publisher.GetAlignment("b")
	require.True(t, ok)
	assert.Equal(t, "b", msg.RobotID)

	all := publisher.GetAllAlignments()
	all["b"].RobotID = "changed"
	again, _ := publisher.GetAlignment("b")
	assert.Equal(t, "b", again.RobotID, "GetAllAlignments returns copies")

	publisher.ClearAlignment("b")
	_, ok = publisher.GetAlignment("b")
	assert.False(t, ok)
}

func TestPublisher_SetQoSAndRetain(t *testing.T) {
	publisher := NewPublisher(nil, "")

	publisher.SetQoS(2)
	assert.Equal(t, byte(2), publisher.qos)
	publisher.SetQoS(3)
	assert.Equal(t, byte(2), publisher.qos, "invalid QoS is ignored")

	publisher.SetRetain(false)
	assert.False(t, publisher.retain)
}
