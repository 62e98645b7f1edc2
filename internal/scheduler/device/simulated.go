package device

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

type Operation string

const (
	OpUpload   Operation = "upload"
	OpQuery    Operation = "query"
	OpBuild    Operation = "build"
	OpDownload Operation = "download"
	OpRelease  Operation = "release"
)

type SimulatedDriverConfig struct {
	UploadLatency time.Duration
	QueryLatency  time.Duration
	BuildLatency  time.Duration
}

// SimulatedDriver keeps "device memory" in process and answers queries with a flat scan. Failures can be
// injected per operation.
type SimulatedDriver struct {
	config SimulatedDriverConfig
	clock  clock.Clock

	mu       sync.Mutex
	nextId   uint64
	indexes  map[uint64]*Segment
	failures map[Operation][]error
	calls    map[Operation]int
}

func NewSimulatedDriver(config SimulatedDriverConfig, clock clock.Clock) *SimulatedDriver {
	return &SimulatedDriver{
		config:   config,
		clock:    clock,
		indexes:  make(map[uint64]*Segment),
		failures: make(map[Operation][]error),
		calls:    make(map[Operation]int),
	}
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (d *SimulatedDriver) FailNext(op Operation, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], errs...)
}

func (d *SimulatedDriver) Calls(op Operation) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Resident returns the number of indexes held in device memory.
func (d *SimulatedDriver) Resident() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.indexes)
}

func (d *SimulatedDriver) begin(ctx context.Context, op Operation, latency time.Duration) error {
	d.mu.Lock()
	d.calls[op]++
	var injected error
	if pending := d.failures[op]; len(pending) > 0 {
		injected, d.failures[op] = pending[0], pending[1:]
	}
	d.mu.Unlock()
	if injected != nil {
		return injected
	}
	if latency <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(latency):
		return nil
	case <-ctx.Done():
		return schederrors.Newf(schederrors.DeviceBusy, "%s interrupted: %s", op, ctx.Err())
	}
}

func (d *SimulatedDriver) UploadIndex(ctx context.Context, deviceId int, seg *Segment) (IndexHandle, error) {
	if err := d.begin(ctx, OpUpload, d.config.UploadLatency); err != nil {
		return IndexHandle{}, err
	}
	return d.store(deviceId, seg), nil
}

func (d *SimulatedDriver) store(deviceId int, seg *Segment) IndexHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextId++
	d.indexes[d.nextId] = seg
	return IndexHandle{DeviceId: deviceId, Id: d.nextId, Engine: seg.Engine, Bytes: 8*seg.Len() + 4*len(seg.Vectors)}
}

func (d *SimulatedDriver) lookup(h IndexHandle) (*Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seg, ok := d.indexes[h.Id]
	if !ok {
		return nil, schederrors.Newf(schederrors.DeviceIOError, "index %d is not resident on device %d", h.Id, h.DeviceId)
	}
	return seg, nil
}

func (d *SimulatedDriver) RunQuery(ctx context.Context, h IndexHandle, queries [][]float32, topk int) (*task.SearchResult, error) {
	if err := d.begin(ctx, OpQuery, d.config.QueryLatency); err != nil {
		return nil, err
	}
	seg, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	return Search(ctx, seg, queries, topk)
}

func (d *SimulatedDriver) BuildIndex(ctx context.Context, h IndexHandle, engine task.EngineType) (IndexHandle, error) {
	if err := d.begin(ctx, OpBuild, d.config.BuildLatency); err != nil {
		return IndexHandle{}, err
	}
	seg, err := d.lookup(h)
	if err != nil {
		return IndexHandle{}, err
	}
	built := *seg
	built.Engine = engine
	return d.store(h.DeviceId, &built), nil
}

func (d *SimulatedDriver) DownloadIndex(ctx context.Context, h IndexHandle) ([]byte, error) {
	if err := d.begin(ctx, OpDownload, d.config.UploadLatency); err != nil {
		return nil, err
	}
	seg, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	return seg.MarshalBinary()
}

func (d *SimulatedDriver) ReleaseIndex(ctx context.Context, h IndexHandle) error {
	if err := d.begin(ctx, OpRelease, 0); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.indexes, h.Id)
	return nil
}
