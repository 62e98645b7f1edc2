package device

import (
	"context"

	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// ExecuteRequest is one unit of CPU compute.
type ExecuteRequest struct {
	Task    *task.Task
	Segment *Segment
	Queries [][]float32
	Params  task.Params
}

// ExecuteResult holds search hits for searches and the serialised index for builds.
type ExecuteResult struct {
	Search *task.SearchResult
	Index  []byte
}

// Executor is the index compute collaborator. It is only invoked for items in state EXECUTING. Errors should
// be of kind ExecutionError or AllocationFailure.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// IndexHandle identifies an index resident in accelerator memory.
type IndexHandle struct {
	DeviceId int
	Id       uint64
	Engine   task.EngineType
	Bytes    int
}

// Driver is the accelerator collaborator. Failures should be of kind DeviceBusy, which callers retry, or
// DeviceIOError, which also counts towards marking the device degraded.
type Driver interface {
	// UploadIndex copies seg into the memory of device.
	UploadIndex(ctx context.Context, deviceId int, seg *Segment) (IndexHandle, error)
	RunQuery(ctx context.Context, h IndexHandle, queries [][]float32, topk int) (*task.SearchResult, error)
	// BuildIndex trains an index of the given engine from an uploaded segment. The result stays on the
	// device.
	BuildIndex(ctx context.Context, h IndexHandle, engine task.EngineType) (IndexHandle, error)
	// DownloadIndex copies an index from device memory back to the host, serialised.
	DownloadIndex(ctx context.Context, h IndexHandle) ([]byte, error)
	ReleaseIndex(ctx context.Context, h IndexHandle) error
}
