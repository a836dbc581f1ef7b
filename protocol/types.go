package protocol

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// #############################################################################

type Role uint8

const (
	Calculator Role = iota
	Partner
	Master
)

func (r Role) String() string {
	switch r {
	case Calculator:
		return "calculator"
	case Partner:
		return "partner"
	case Master:
		return "master"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func (r Role) Valid() bool {
	return r <= Master
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "calculator", "0":
		return Calculator, nil
	case "partner", "1":
		return Partner, nil
	case "master", "2":
		return Master, nil
	}
	return 0, errors.Wrapf(ErrUnknownRole, "%q", s)
}

// #############################################################################

type ResourceType uint8

const (
	FileResource ResourceType = iota
	MemoryResource
)

type ResourceDesc struct {
	Type ResourceType
	Path string
}

// DataResource locates a party's input and output. RawData, when set, takes
// precedence over Input.
type DataResource struct {
	Input   *ResourceDesc
	Output  *ResourceDesc
	RawData [][]byte
}

type Party struct {
	ID       string
	Role     Role
	Resource *DataResource
}

// #############################################################################

// Task describes one PSI job as seen by a single party. It is not modified
// once submitted.
type Task struct {
	ID                      string
	Self                    *Party
	Peers                   []*Party
	SyncResultToPeer        bool
	ReceiverList            []string
	EnableMaliciousSecurity bool
	MaxBatchSize            int
}

func (t *Task) PeersByRole(role Role) []*Party {
	var ret []*Party
	for _, p := range t.Peers {
		if p.Role == role {
			ret = append(ret, p)
		}
	}
	return ret
}

func (t *Task) Peer(id string) *Party {
	for _, p := range t.Peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// IsReceiver reports whether partyID should obtain the result. An empty
// receiver list means every party does.
func (t *Task) IsReceiver(partyID string) bool {
	if len(t.ReceiverList) == 0 {
		return true
	}
	for _, id := range t.ReceiverList {
		if id == partyID {
			return true
		}
	}
	return false
}

// #############################################################################

type TaskStatus string

const (
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

type TaskResult struct {
	TaskID string
	Status TaskStatus
	Err    error
}

func NewTaskResult(taskID string) *TaskResult {
	return &TaskResult{TaskID: taskID, Status: TaskCompleted}
}

func (r *TaskResult) SetError(err error) {
	r.Err = err
	if err != nil {
		r.Status = TaskFailed
	}
}

func (r *TaskResult) Success() bool {
	return r.Err == nil
}
