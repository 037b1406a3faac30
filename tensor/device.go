package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrDeviceUnavailable is returned when a requested compute device is not
// supported by this build.
var ErrDeviceUnavailable = errors.New("tensor: device unavailable")

// DeviceKind identifies a class of compute device.
type DeviceKind int

const (
	CPU DeviceKind = iota
	CUDA
)

func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// Device is a compute device handle chosen once at startup.
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string {
	if d.Kind == CPU {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// SelectDevice returns the CUDA device idx when useCUDA is set and the CPU
// otherwise. The choice is not validated here; see Validate.
func SelectDevice(useCUDA bool, idx int) Device {
	if useCUDA {
		return Device{Kind: CUDA, Index: idx}
	}
	return Device{Kind: CPU}
}

// Validate reports whether tensors can be placed on d. Only the host CPU is
// supported; accelerators fail with ErrDeviceUnavailable rather than falling
// back silently.
func (d Device) Validate() error {
	if d.Kind != CPU {
		return errors.Wrapf(ErrDeviceUnavailable, "%s requested, this build computes on the cpu only", d)
	}
	return nil
}
