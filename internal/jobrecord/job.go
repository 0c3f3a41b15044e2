// Package jobrecord holds the Job and Node entities, grounded on
// modelrunner/job.py and modelrunner/node.py. Go has no metaclass, so
// each type supplies an entity.Codec instead of inheriting RedisEntity.
package jobrecord

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelrunner/modelrunner/internal/broker"
)

// Job status values, exactly spec §3's {CREATED, QUEUED, RUNNING,
// PROCESSED, COMPLETE, FAILED, KILLED}.
const (
	StatusCreated   = "CREATED"
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusProcessed = "PROCESSED"
	StatusComplete  = "COMPLETE"
	StatusFailed    = "FAILED"
	StatusKilled    = "KILLED"
)

// Job is one instance of running a model over a specific input archive.
type Job struct {
	UUID    string    `json:"uuid"`
	Model   string    `json:"model"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Status  string    `json:"status"`

	PrimaryURL     string `json:"primary_url"`
	PrimaryDataDir string `json:"primary_data_dir"`
	WorkerURL      string `json:"worker_url"`
	WorkerDataDir  string `json:"worker_data_dir"`

	OnPrimary bool `json:"on_primary"`
}

// NewJob returns a freshly created Job with a generated UUID and
// Status = StatusCreated, the Go analogue of Job.__init__'s defaults
// (uuid4() if no uuid given, datetime.utcnow() if no created given).
func NewJob(model, name string) *Job {
	return &Job{
		UUID:      uuid.NewString(),
		Model:     model,
		Name:      name,
		Created:   time.Now().UTC(),
		Status:    StatusCreated,
		OnPrimary: true,
	}
}

// GetDataDir returns the data directory name configured for this job
// on whichever node currently owns it, defaulting to "data" if unset.
func (j *Job) GetDataDir() string {
	if !j.OnPrimary {
		if j.WorkerDataDir != "" {
			return j.WorkerDataDir
		}
	} else {
		if j.PrimaryDataDir != "" {
			return j.PrimaryDataDir
		}
	}
	return "data"
}

// GetURL returns the base URL of whichever node currently owns the job.
func (j *Job) GetURL() string {
	if j.OnPrimary {
		return j.PrimaryURL
	}
	return j.WorkerURL
}

// LogURL returns the current URL of the job's log, which moves as
// on_primary changes.
func (j *Job) LogURL() string {
	return fmt.Sprintf("%s/%s/%s/job_log.txt", j.GetURL(), j.GetDataDir(), j.UUID)
}

// DownloadURL returns the current URL of the job's output archive.
func (j *Job) DownloadURL() string {
	return fmt.Sprintf("%s/%s/%s/output.zip", j.GetURL(), j.GetDataDir(), j.UUID)
}

// String renders a short debug line, the Go analogue of Node.__str__
// (the original Job has none, but the status pages benefit from one too).
func (j *Job) String() string {
	return fmt.Sprintf("Job{uuid=%s model=%s status=%s on_primary=%t}", j.UUID, j.Model, j.Status, j.OnPrimary)
}

// JobCodec implements entity.Codec[*Job].
type JobCodec struct {
	Prefix string
}

func (c JobCodec) HashName() string {
	return fmt.Sprintf("%s:jobs", c.Prefix)
}

func (c JobCodec) Encode(j *Job) (string, error) {
	return broker.EncodeJSON(jobToMap(j))
}

func (c JobCodec) Decode(data string) (*Job, error) {
	v, err := broker.DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("jobrecord: expected a JSON object, got %T", v)
	}
	return jobFromMap(m)
}

func jobToMap(j *Job) map[string]interface{} {
	return map[string]interface{}{
		"uuid":             j.UUID,
		"model":            j.Model,
		"name":             j.Name,
		"created":          j.Created,
		"status":           j.Status,
		"primary_url":      j.PrimaryURL,
		"primary_data_dir": j.PrimaryDataDir,
		"worker_url":       j.WorkerURL,
		"worker_data_dir":  j.WorkerDataDir,
		"on_primary":       j.OnPrimary,
	}
}

func jobFromMap(m map[string]interface{}) (*Job, error) {
	j := &Job{}
	j.UUID, _ = m["uuid"].(string)
	j.Model, _ = m["model"].(string)
	j.Name, _ = m["name"].(string)
	j.Status, _ = m["status"].(string)
	j.PrimaryURL, _ = m["primary_url"].(string)
	j.PrimaryDataDir, _ = m["primary_data_dir"].(string)
	j.WorkerURL, _ = m["worker_url"].(string)
	j.WorkerDataDir, _ = m["worker_data_dir"].(string)
	if onPrimary, ok := m["on_primary"].(bool); ok {
		j.OnPrimary = onPrimary
	}
	if created, ok := m["created"].(time.Time); ok {
		j.Created = created
	}
	return j, nil
}

// MarshalJSON/UnmarshalJSON let a *Job also round-trip through plain
// encoding/json (e.g. for the external HTTP tier this package's
// consumers build), independent of the broker codec above.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(&struct {
		Created string `json:"created"`
		*alias
	}{
		Created: j.Created.UTC().Format("2006-01-02T15:04:05.000000"),
		alias:   (*alias)(j),
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	aux := &struct {
		Created string `json:"created"`
		*alias
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Created != "" {
		t, err := time.Parse("2006-01-02T15:04:05.000000", aux.Created)
		if err != nil {
			return err
		}
		j.Created = t
	}
	return nil
}
