package vkgraph

import (
	"time"

	vk "github.com/goki/vulkan"
)

// Opaque handles to native API objects. Handles are minted by a Driver
// and are meaningless outside of it. Dispatchable or not, they all fit
// in 64 bits on every platform Vulkan supports.
type (
	// ImageHandle is a native image object.
	ImageHandle uint64
	// BufferHandle is a native buffer object.
	BufferHandle uint64
	// SemaphoreHandle is a native semaphore, binary or timeline.
	SemaphoreHandle uint64
	// SwapchainHandle is a native swapchain object.
	SwapchainHandle uint64
	// CommandPoolHandle is a native command pool.
	CommandPoolHandle uint64
	// CommandBuffer is a native command buffer in the recording state.
	// Record callbacks receive it to emit API commands.
	CommandBuffer uint64
)

// MemoryLocation selects the kind of memory backing a resource.
type MemoryLocation int

const (
	// MemoryDeviceLocal places the resource in device-local memory.
	MemoryDeviceLocal MemoryLocation = iota
	// MemoryHostVisible places the resource in host-visible memory
	// (staging and readback buffers).
	MemoryHostVisible
	// MemoryHostCoherent places the resource in host-visible memory
	// that needs no explicit flushes.
	MemoryHostCoherent
)

// ImageDesc describes an image resource to create.
type ImageDesc struct {
	// Usage flags. Must include all intended uses of the image.
	Usage vk.ImageUsageFlags
	// Format of the image.
	Format vk.Format
	// Size of the image.
	Width, Height, Depth uint32
	// Number of mipmap levels. Zero means 1.
	MipLevels uint32
	// Number of array layers. Zero means 1.
	ArrayLayers uint32
	// Number of samples. Zero means 1.
	Samples uint32
}

// BufferDesc describes a buffer resource to create.
type BufferDesc struct {
	// Usage flags. Must include all intended uses of the buffer.
	Usage vk.BufferUsageFlags
	// Size of the buffer in bytes.
	Size uint64
}

// ImageBarrier is an image memory barrier, optionally performing a
// layout transition.
type ImageBarrier struct {
	Image     ImageHandle
	Format    vk.Format
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
	OldLayout vk.ImageLayout
	NewLayout vk.ImageLayout
}

// BufferBarrier is a buffer memory barrier covering the whole buffer.
type BufferBarrier struct {
	Buffer    BufferHandle
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
}

// MemoryBarrier is a global memory barrier.
type MemoryBarrier struct {
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
}

// Barrier aggregates everything a single pipeline-barrier command needs.
type Barrier struct {
	SrcStages vk.PipelineStageFlags
	DstStages vk.PipelineStageFlags
	Global    *MemoryBarrier
	Buffers   []BufferBarrier
	Images    []ImageBarrier
}

// IsZero reports whether the barrier carries no synchronization at all.
func (b *Barrier) IsZero() bool {
	return b.SrcStages == 0 && b.DstStages == 0 &&
		b.Global == nil && len(b.Buffers) == 0 && len(b.Images) == 0
}

// TimelineOp is a wait or signal on a timeline semaphore at a value.
type TimelineOp struct {
	Semaphore SemaphoreHandle
	Value     uint64
	// DstStages applies to waits only: the stages that block on the wait.
	DstStages vk.PipelineStageFlags
}

// BinaryWait is a wait on a binary semaphore.
type BinaryWait struct {
	Semaphore SemaphoreHandle
	DstStages vk.PipelineStageFlags
}

// Submission describes one queue submission (one vkQueueSubmit).
type Submission struct {
	CommandBuffers []CommandBuffer
	WaitTimelines  []TimelineOp
	WaitBinary     []BinaryWait
	SignalTimeline *TimelineOp
	SignalBinary   []SemaphoreHandle
}

// Driver abstracts the native graphics API. The engine core performs all
// dependency inference and barrier synthesis itself and calls into the
// Driver only to create objects and to replay the already-scheduled
// command stream.
//
// Implementations live under backend/: backend/vulkan drives a real
// device, backend/null records calls in memory for tests and headless
// runs. A Driver must be safe for concurrent use; the engine serializes
// frame construction but retirement workers call into it concurrently.
type Driver interface {
	// Name returns the driver identifier (e.g. "vulkan", "null").
	Name() string

	// QueueCount returns the number of distinct submission queues the
	// driver exposes, at most MaxQueues.
	QueueCount() int

	// Close releases all driver resources.
	Close()

	CreateImage(desc ImageDesc, loc MemoryLocation) (ImageHandle, error)
	DestroyImage(h ImageHandle)
	CreateBuffer(desc BufferDesc, loc MemoryLocation) (BufferHandle, error)
	DestroyBuffer(h BufferHandle)

	// CreateTimeline creates a timeline semaphore with initial value 0.
	CreateTimeline() (SemaphoreHandle, error)
	// CreateSemaphore creates an unsignalled binary semaphore.
	CreateSemaphore() (SemaphoreHandle, error)
	DestroySemaphore(h SemaphoreHandle)
	// TimelineValue returns the current counter value of a timeline.
	TimelineValue(h SemaphoreHandle) (uint64, error)
	// WaitTimelines blocks until every timeline reaches its value, or
	// the timeout expires (ErrTimeout), or the device is lost
	// (ErrDeviceLost).
	WaitTimelines(sems []SemaphoreHandle, values []uint64, timeout time.Duration) error

	CreateCommandPool(queue int) (CommandPoolHandle, error)
	ResetCommandPool(h CommandPoolHandle) error
	DestroyCommandPool(h CommandPoolHandle)
	AllocateCommandBuffer(h CommandPoolHandle) (CommandBuffer, error)
	BeginCommandBuffer(cb CommandBuffer) error
	EndCommandBuffer(cb CommandBuffer) error
	// CmdPipelineBarrier records a pipeline barrier into cb.
	CmdPipelineBarrier(cb CommandBuffer, b *Barrier)

	// Submit submits a batch to the given queue.
	Submit(queue int, sub *Submission) error
	// Present queues a present of the given swapchain image, waiting on
	// the given binary semaphore.
	Present(queue int, sc SwapchainHandle, imageIndex uint32, wait SemaphoreHandle) error
	// AcquireNextImage acquires the next swapchain image, signalling the
	// given binary semaphore when the image is ready.
	AcquireNextImage(sc SwapchainHandle, signal SemaphoreHandle, timeout time.Duration) (uint32, error)
}
