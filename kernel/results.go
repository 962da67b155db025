package kernel

import "fmt"

// Result is a kernel result code. The zero value is success and is never
// returned as an error.
type Result uint32

const kernelModule = 1

func newResult(description uint32) Result {
	return Result(kernelModule | description<<9)
}

// Module returns the error module of r.
func (r Result) Module() uint32 { return uint32(r) & 0x1FF }

// Description returns the module-specific error number of r.
func (r Result) Description() uint32 { return uint32(r) >> 9 & 0x1FFF }

var resultNames = map[Result]string{}

func (r Result) Error() string {
	if name, ok := resultNames[r]; ok {
		return fmt.Sprintf("kernel: %s (%04d-%04d)", name, 2000+r.Module(), r.Description())
	}
	return fmt.Sprintf("kernel: result %04d-%04d", 2000+r.Module(), r.Description())
}

func register(description uint32, name string) Result {
	r := newResult(description)
	resultNames[r] = name
	return r
}

var (
	ErrNoSynchronizationObject = register(57, "no synchronization object")
	ErrTerminationRequested    = register(59, "termination requested")
	ErrInvalidAddress          = register(102, "invalid address")
	ErrOutOfResource           = register(103, "out of resource")
	ErrOutOfMemory             = register(104, "out of memory")
	ErrInvalidCurrentMemory    = register(106, "invalid current memory")
	ErrInvalidPriority         = register(112, "invalid priority")
	ErrInvalidCoreID           = register(113, "invalid core id")
	ErrInvalidHandle           = register(114, "invalid handle")
	ErrInvalidCombination      = register(116, "invalid combination")
	ErrTimedOut                = register(117, "timed out")
	ErrCancelled               = register(118, "cancelled")
	ErrInvalidEnumValue        = register(120, "invalid enum value")
	ErrNotFound                = register(121, "not found")
	ErrInvalidState            = register(125, "invalid state")
	ErrLimitReached            = register(132, "limit reached")
)

// resultCode converts an error returned by the kernel to its raw result
// code for a guest register. nil is success.
func resultCode(err error) uint64 {
	if err == nil {
		return 0
	}
	if r, ok := err.(Result); ok {
		return uint64(r)
	}
	return uint64(ErrInvalidState)
}
