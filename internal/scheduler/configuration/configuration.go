package configuration

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/armadaproject/vecsched/internal/blobstore"
	"github.com/armadaproject/vecsched/internal/common/config"
	"github.com/armadaproject/vecsched/internal/common/logging"
	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

type Configuration struct {
	Logging logging.Config
	// Compute resources registered at startup.
	Resources []ResourceConfig `validate:"required,min=1,dive"`
	// Data paths between resources.
	Connections []ConnectionConfig `validate:"dive"`
	// Resource that receives work nothing else can take. Must be an unbounded CPU resource.
	DefaultResource string `validate:"required"`
	Selector        SelectorConfig
	Execution       ExecutionConfig
	BlobStore       BlobStoreConfig
	Metrics         MetricsConfig
	Simulator       SimulatorConfig
}

type ResourceConfig struct {
	Name     string `validate:"required"`
	Kind     schedulerobjects.ResourceKind
	DeviceId int
	// Maximum number of items in the resource's table. Zero means unbounded.
	Capacity int `validate:"gte=0"`
}

type ConnectionConfig struct {
	From string `validate:"required"`
	To   string `validate:"required"`
	Cost int    `validate:"gte=0"`
}

type LoadBalancingPolicy string

const (
	RoundRobin  LoadBalancingPolicy = "round-robin"
	LeastLoaded LoadBalancingPolicy = "least-loaded"
)

func ParseLoadBalancingPolicy(s string) (LoadBalancingPolicy, error) {
	switch p := LoadBalancingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RoundRobin, LeastLoaded:
		return p, nil
	case "":
		return RoundRobin, nil
	default:
		return "", schederrors.Newf(schederrors.ValidationError, "unknown load balancing policy %q", s)
	}
}

// SelectorConfig drives label assignment. It may be replaced at runtime.
type SelectorConfig struct {
	// If false every accelerator eligible task goes to the cpu.
	AcceleratorEnabled bool
	// Batches smaller than this run on the cpu, labelled hybrid.
	BatchThreshold int `validate:"gte=0"`
	MaxTopK        int `validate:"required,gt=0"`
	MaxNProbe      int `validate:"required,gt=0"`
	// Accelerators eligible for GPU search engines.
	SearchPool []string
	// Accelerators eligible for index builds.
	BuildPool []string
	// Accelerators eligible for IVFPQ search.
	FpgaPool []string
	// Engines whose tasks any idle resource may claim.
	BroadcastEngines []task.EngineType
	LoadBalancing    LoadBalancingPolicy
}

type ExecutionConfig struct {
	// Attempts per load or execute before an item fails on retryable device errors.
	MaxAttempts int `validate:"required,gt=0"`
	// Consecutive device failures after which a resource is marked degraded. Zero disables.
	DegradedThreshold int `validate:"gte=0"`
	// Number of device index handles cached per scheduler.
	HandleCacheSize int `validate:"required,gt=0"`
	// Applied to jobs submitted without a deadline. Zero means no deadline.
	DefaultTimeout time.Duration
	// How long completed jobs stay queryable.
	JobRetention time.Duration `validate:"required"`
	// Maximum time Stop waits for in-flight device calls.
	DrainTimeout time.Duration `validate:"required"`
}

type BlobStoreConfig struct {
	// One of memory, redis or minio.
	Backend string `validate:"oneof=memory redis minio"`
	// Attempts for each Put before giving up.
	PutAttempts uint `validate:"required,gt=0"`
	PutDelay    time.Duration
	Redis       config.RedisConfig    `validate:"-"`
	Minio       blobstore.MinioConfig `validate:"-"`
}

type MetricsConfig struct {
	Port uint16
	// How often table size gauges are refreshed.
	RefreshInterval time.Duration `validate:"required"`
}

// SimulatorConfig tunes the simulated accelerator driver used when no real driver is present.
type SimulatorConfig struct {
	UploadLatency time.Duration
	QueryLatency  time.Duration
	BuildLatency  time.Duration
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(configurationValidation, Configuration{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// ValidateSelector checks a selector section on its own, as done for hot reloads.
func ValidateSelector(c SelectorConfig) error {
	return validator.New().Struct(c)
}

func configurationValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	known := make(map[string]ResourceConfig, len(c.Resources))
	for _, r := range c.Resources {
		if _, ok := known[r.Name]; ok {
			sl.ReportError(c.Resources, "Resources", "Resources", "unique", r.Name)
		}
		known[r.Name] = r
	}
	def, ok := known[c.DefaultResource]
	switch {
	case !ok:
		sl.ReportError(c.DefaultResource, "DefaultResource", "DefaultResource", "registered", "")
	case def.Kind != schedulerobjects.CPU:
		sl.ReportError(c.DefaultResource, "DefaultResource", "DefaultResource", "cpu", "")
	case def.Capacity != 0:
		sl.ReportError(c.DefaultResource, "DefaultResource", "DefaultResource", "unbounded", "")
	}
	for _, conn := range c.Connections {
		if _, ok := known[conn.From]; !ok {
			sl.ReportError(conn.From, "Connections", "Connections", "registered", conn.From)
		}
		if _, ok := known[conn.To]; !ok {
			sl.ReportError(conn.To, "Connections", "Connections", "registered", conn.To)
		}
	}
	switch c.BlobStore.Backend {
	case "redis":
		if len(c.BlobStore.Redis.Addrs) == 0 {
			sl.ReportError(c.BlobStore.Redis.Addrs, "BlobStore.Redis.Addrs", "Addrs", "required", "")
		}
	case "minio":
		if c.BlobStore.Minio.Endpoint == "" {
			sl.ReportError(c.BlobStore.Minio.Endpoint, "BlobStore.Minio.Endpoint", "Endpoint", "required", "")
		}
		if c.BlobStore.Minio.Bucket == "" {
			sl.ReportError(c.BlobStore.Minio.Bucket, "BlobStore.Minio.Bucket", "Bucket", "required", "")
		}
	}
	pools := map[string][]string{
		"SearchPool": c.Selector.SearchPool,
		"BuildPool":  c.Selector.BuildPool,
		"FpgaPool":   c.Selector.FpgaPool,
	}
	for field, pool := range pools {
		for _, name := range pool {
			r, ok := known[name]
			if !ok {
				sl.ReportError(pool, "Selector."+field, field, "registered", name)
				continue
			}
			if !r.Kind.IsAccelerator() {
				sl.ReportError(pool, "Selector."+field, field, "accelerator", name)
			}
		}
	}
}

// DecoderOptions returns the viper options needed to decode a Configuration.
func DecoderOptions() []viper.DecoderConfigOption {
	return config.DecoderOptions(
		config.TextUnmarshalerHookFunc(schedulerobjects.ParseResourceKind),
		config.TextUnmarshalerHookFunc(task.ParseEngineType),
		config.TextUnmarshalerHookFunc(ParseLoadBalancingPolicy),
	)
}

// Load reads the default configuration from defaultPath, applies overrides and validates the result.
func Load(defaultPath string, overrides []string) (Configuration, *viper.Viper, error) {
	var c Configuration
	v, err := config.LoadConfig(&c, defaultPath, overrides, DecoderOptions()...)
	if err != nil {
		return c, nil, err
	}
	if err := c.Validate(); err != nil {
		config.LogValidationErrors(err)
		return c, nil, err
	}
	return c, v, nil
}
