package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/vecsched/internal/common/logging"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

const testConfig = `
logging:
  level: info
  format: text
defaultResource: cpu
resources:
  - name: cpu
    kind: cpu
  - name: gpu0
    kind: GPU
    deviceId: 0
    capacity: 8
  - name: fpga0
    kind: fpga
connections:
  - from: gpu0
    to: cpu
    cost: 1
selector:
  acceleratorEnabled: true
  batchThreshold: 100
  maxTopK: 2048
  maxNProbe: 2048
  searchPool: [gpu0]
  buildPool: [gpu0]
  fpgaPool: [fpga0]
  broadcastEngines: [flat]
  loadBalancing: least-loaded
execution:
  maxAttempts: 3
  degradedThreshold: 5
  handleCacheSize: 16
  jobRetention: 10m
  drainTimeout: 30s
blobStore:
  backend: memory
  putAttempts: 3
metrics:
  port: 9000
  refreshInterval: 5s
`

func writeConfig(t *testing.T, dir, contents string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644))
}

func validConfiguration() Configuration {
	return Configuration{
		Logging:         logging.Config{Level: "info", Format: "text"},
		DefaultResource: "cpu",
		Resources: []ResourceConfig{
			{Name: "cpu", Kind: schedulerobjects.CPU},
			{Name: "gpu0", Kind: schedulerobjects.GPU},
		},
		Selector:  SelectorConfig{MaxTopK: 10, MaxNProbe: 10, SearchPool: []string{"gpu0"}},
		Execution: ExecutionConfig{MaxAttempts: 1, HandleCacheSize: 1, JobRetention: time.Minute, DrainTimeout: time.Second},
		BlobStore: BlobStoreConfig{Backend: "memory", PutAttempts: 1},
		Metrics:   MetricsConfig{RefreshInterval: time.Second},
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig)

	c, v, err := Load(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, v)

	require.Len(t, c.Resources, 3)
	assert.Equal(t, schedulerobjects.GPU, c.Resources[1].Kind)
	assert.Equal(t, schedulerobjects.FPGA, c.Resources[2].Kind)
	assert.Equal(t, 8, c.Resources[1].Capacity)
	assert.Equal(t, LeastLoaded, c.Selector.LoadBalancing)
	assert.Equal(t, []task.EngineType{task.EngineFlat}, c.Selector.BroadcastEngines)
	assert.Equal(t, 100, c.Selector.BatchThreshold)
	assert.Equal(t, 10*time.Minute, c.Execution.JobRetention)
	assert.Equal(t, []string{"gpu0"}, c.Selector.SearchPool)
}

func TestLoad_ShippedConfig(t *testing.T) {
	c, _, err := Load("../../../config/scheduler", nil)
	require.NoError(t, err)
	assert.Equal(t, "cpu", c.DefaultResource)
	assert.Equal(t, "memory", c.BlobStore.Backend)
	assert.Equal(t, RoundRobin, c.Selector.LoadBalancing)
	assert.Equal(t, 30*time.Second, c.Execution.DrainTimeout)
}

func TestLoad_OverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig)
	override := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte("selector:\n  batchThreshold: 7\n"), 0o644))
	t.Setenv("VECSCHED_SELECTOR_MAXTOPK", "64")

	c, _, err := Load(dir, []string{override})
	require.NoError(t, err)
	assert.Equal(t, 7, c.Selector.BatchThreshold)
	assert.Equal(t, 64, c.Selector.MaxTopK)
	assert.True(t, c.Selector.AcceleratorEnabled)
}

func TestLoad_InvalidEnum(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig+"\nsimulator:\n  uploadLatency: 1ms\n")
	_, _, err := Load(dir, nil)
	require.NoError(t, err)

	writeConfig(t, dir, `
defaultResource: cpu
resources:
  - name: cpu
    kind: tpu
`)
	_, _, err = Load(dir, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Configuration)
		valid  bool
	}{
		"valid": {
			mutate: func(c *Configuration) {},
			valid:  true,
		},
		"missing default": {
			mutate: func(c *Configuration) { c.DefaultResource = "cpu9" },
		},
		"bounded default": {
			mutate: func(c *Configuration) { c.Resources[0].Capacity = 3 },
		},
		"accelerator default": {
			mutate: func(c *Configuration) { c.DefaultResource = "gpu0" },
		},
		"duplicate resource": {
			mutate: func(c *Configuration) {
				c.Resources = append(c.Resources, ResourceConfig{Name: "gpu0", Kind: schedulerobjects.GPU})
			},
		},
		"unknown connection": {
			mutate: func(c *Configuration) { c.Connections = []ConnectionConfig{{From: "gpu0", To: "gpu1"}} },
		},
		"unknown pool member": {
			mutate: func(c *Configuration) { c.Selector.BuildPool = []string{"gpu7"} },
		},
		"cpu in pool": {
			mutate: func(c *Configuration) { c.Selector.SearchPool = []string{"cpu"} },
		},
		"zero max topk": {
			mutate: func(c *Configuration) { c.Selector.MaxTopK = 0 },
		},
		"unknown backend": {
			mutate: func(c *Configuration) { c.BlobStore.Backend = "s3" },
		},
		"redis without addresses": {
			mutate: func(c *Configuration) { c.BlobStore.Backend = "redis" },
		},
		"redis with addresses": {
			mutate: func(c *Configuration) {
				c.BlobStore.Backend = "redis"
				c.BlobStore.Redis.Addrs = []string{"localhost:6379"}
			},
			valid: true,
		},
		"minio without bucket": {
			mutate: func(c *Configuration) {
				c.BlobStore.Backend = "minio"
				c.BlobStore.Minio.Endpoint = "localhost:9000"
			},
		},
		"bad log format": {
			mutate: func(c *Configuration) { c.Logging.Format = "xml" },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfiguration()
			tc.mutate(&c)
			err := c.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseLoadBalancingPolicy(t *testing.T) {
	p, err := ParseLoadBalancingPolicy("Round-Robin")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, p)
	p, err = ParseLoadBalancingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, p)
	_, err = ParseLoadBalancingPolicy("random")
	assert.Error(t, err)
}

func TestReloadSelector(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig)
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())

	var applied []SelectorConfig
	apply := func(c SelectorConfig) { applied = append(applied, c) }
	require.NoError(t, reloadSelector(v, apply))
	require.Len(t, applied, 1)
	assert.Equal(t, 100, applied[0].BatchThreshold)

	v.Set("selector.maxTopK", 0)
	assert.Error(t, reloadSelector(v, apply))
	assert.Len(t, applied, 1)
}
