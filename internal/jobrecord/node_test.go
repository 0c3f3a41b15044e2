package jobrecord_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrunner/modelrunner/internal/jobrecord"
)

func TestWorkerNodeName_UniquePerModel(t *testing.T) {
	a := jobrecord.WorkerNodeName("http://worker-1", "test")
	b := jobrecord.WorkerNodeName("http://worker-1", "sequencer")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "http://worker-1;test", a)
}

func TestNewPrimaryNode(t *testing.T) {
	n := jobrecord.NewPrimaryNode("http://primary", "1.0.0")
	assert.Equal(t, "http://primary", n.Name)
	assert.Equal(t, jobrecord.NodeTypePrimary, n.NodeType)
	assert.Equal(t, jobrecord.NodeStatusWaiting, n.Status)
}

func TestNewWorkerNode(t *testing.T) {
	n := jobrecord.NewWorkerNode("http://worker-1", "test", "1.0.0", jobrecord.NodeStatusRunning)
	assert.Equal(t, "http://worker-1;test", n.Name)
	assert.Equal(t, jobrecord.NodeTypeWorker, n.NodeType)
	assert.Equal(t, "test", n.Model)
}

func TestNodeCodec_RoundTrip(t *testing.T) {
	codec := jobrecord.NodeCodec{Prefix: "modelrunner"}
	assert.Equal(t, "modelrunner:nodes", codec.HashName())

	n := jobrecord.NewWorkerNode("http://worker-1", "test", "1.0.0", jobrecord.NodeStatusWaiting)

	encoded, err := codec.Encode(n)
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, n.Name, decoded.Name)
	assert.Equal(t, n.Model, decoded.Model)
}
