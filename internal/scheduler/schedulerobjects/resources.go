package schedulerobjects

import (
	"fmt"
	"strings"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

// ResourceKind is the class of compute device backing a resource.
type ResourceKind int

const (
	CPU ResourceKind = iota
	GPU
	FPGA
)

var resourceKindNames = map[ResourceKind]string{
	CPU:  "cpu",
	GPU:  "gpu",
	FPGA: "fpga",
}

func (k ResourceKind) String() string {
	if name, ok := resourceKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ResourceKind(%d)", int(k))
}

// IsAccelerator returns true for kinds whose data must be uploaded to the device before execution.
func (k ResourceKind) IsAccelerator() bool {
	return k == GPU || k == FPGA
}

// ParseResourceKind parses a kind name case-insensitively.
func ParseResourceKind(s string) (ResourceKind, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for kind, name := range resourceKindNames {
		if name == needle {
			return kind, nil
		}
	}
	return CPU, schederrors.Newf(schederrors.ValidationError, "unknown resource kind %q", s)
}

// ResourceHandle is a non-owning reference to a registered resource.
// Handles must be resolved through the resource manager before use: once the resource is removed
// (or a new resource is registered under the same name) the handle no longer resolves.
type ResourceHandle struct {
	Name       string
	Id         uint64
	Generation uint64
}

// IsZero returns true for the handle that refers to nothing.
func (h ResourceHandle) IsZero() bool {
	return h.Id == 0
}

func (h ResourceHandle) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d.%d", h.Name, h.Id, h.Generation)
}
