package jobrecord

import (
	"fmt"

	"github.com/modelrunner/modelrunner/internal/broker"
)

// Node types, exactly spec §3's {PRIMARY, WORKER}.
const (
	NodeTypePrimary = "PRIMARY"
	NodeTypeWorker  = "WORKER"
)

// Node statuses, exactly spec §3's {WAITING, RUNNING}.
const (
	NodeStatusWaiting = "WAITING"
	NodeStatusRunning = "RUNNING"
)

// Node represents a primary or worker's self-reported presence,
// written in response to a broadcast UPDATE_STATUS command.
type Node struct {
	Name     string `json:"name"`
	NodeURL  string `json:"node_url"`
	Status   string `json:"status"`
	NodeType string `json:"node_type"`
	Version  string `json:"version"`

	// Model is set for workers only: the single model this worker serves.
	Model string `json:"model"`
}

// WorkerNodeName builds the unique Node.Name for a worker, resolving
// the Open Question in spec §9: each worker serves one model and writes
// one Node record keyed by "{worker_url};{model}", so two
// workers sharing a worker_url but different models do not clobber one
// another's record.
func WorkerNodeName(workerURL, model string) string {
	return fmt.Sprintf("%s;%s", workerURL, model)
}

// NewPrimaryNode returns the Node record a primary writes on UPDATE_STATUS.
func NewPrimaryNode(primaryURL, version string) *Node {
	return &Node{
		Name:     primaryURL,
		NodeURL:  primaryURL,
		Status:   NodeStatusWaiting,
		NodeType: NodeTypePrimary,
		Version:  version,
	}
}

// NewWorkerNode returns the Node record a worker writes on UPDATE_STATUS.
func NewWorkerNode(workerURL, model, version, status string) *Node {
	return &Node{
		Name:     WorkerNodeName(workerURL, model),
		NodeURL:  workerURL,
		Status:   status,
		NodeType: NodeTypeWorker,
		Version:  version,
		Model:    model,
	}
}

// String renders a short debug line, the Go analogue of Node.__str__.
func (n *Node) String() string {
	return fmt.Sprintf("Node{name=%s type=%s status=%s model=%s}", n.Name, n.NodeType, n.Status, n.Model)
}

// NodeCodec implements entity.Codec[*Node].
type NodeCodec struct {
	Prefix string
}

func (c NodeCodec) HashName() string {
	return fmt.Sprintf("%s:nodes", c.Prefix)
}

func (c NodeCodec) Encode(n *Node) (string, error) {
	return broker.EncodeJSON(map[string]interface{}{
		"name":      n.Name,
		"node_url":  n.NodeURL,
		"status":    n.Status,
		"node_type": n.NodeType,
		"version":   n.Version,
		"model":     n.Model,
	})
}

func (c NodeCodec) Decode(data string) (*Node, error) {
	v, err := broker.DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("jobrecord: expected a JSON object, got %T", v)
	}
	n := &Node{}
	n.Name, _ = m["name"].(string)
	n.NodeURL, _ = m["node_url"].(string)
	n.Status, _ = m["status"].(string)
	n.NodeType, _ = m["node_type"].(string)
	n.Version, _ = m["version"].(string)
	n.Model, _ = m["model"].(string)
	return n, nil
}
