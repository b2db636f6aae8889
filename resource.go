package vkgraph

import (
	vk "github.com/goki/vulkan"
)

// ResourceID is a stable, opaque identifier for a registered image or
// buffer. It stays valid until the resource is destroyed. The zero
// value never refers to a resource.
type ResourceID uint64

// IsValid reports whether the identifier may refer to a resource.
func (id ResourceID) IsValid() bool { return id != 0 }

// GroupID identifies a resource group. The zero value means "no group".
type GroupID uint64

// IsValid reports whether the identifier may refer to a group.
func (id GroupID) IsValid() bool { return id != 0 }

// ImageInfo is returned by image creation and registration.
type ImageInfo struct {
	// ID of the image resource.
	ID ResourceID
	// Native handle of the image.
	Handle ImageHandle
}

// BufferInfo is returned by buffer creation and registration.
type BufferInfo struct {
	// ID of the buffer resource.
	ID ResourceID
	// Native handle of the buffer.
	Handle BufferHandle
}

// SemaphoreWait describes a binary-semaphore wait that must precede a
// resource's first use (swapchain acquire, external producers).
type SemaphoreWait struct {
	Semaphore SemaphoreHandle
	// DstStages are the stages that block on the wait.
	DstStages vk.PipelineStageFlags
	// Owned semaphores are recycled into the device pool once consumed.
	Owned bool
}

type resourceKind uint8

const (
	resourceImage resourceKind = iota
	resourceBuffer
)

// trackingState is the synchronization state of one resource (or one
// group). It is the input and output of dependency inference: given the
// state and a new access, the engine decides between "no sync", an
// intra-queue pipeline barrier, or a cross-queue semaphore wait.
type trackingState struct {
	// firstAccess is the submission that first touched the resource.
	firstAccess SubmissionNumber
	// writers holds, per queue, the serial of the last unsuperseded
	// write. An individual resource has at most one writer; a group
	// carries the join of its members' writers, which may span queues.
	writers QueueSerialVector
	// readers holds, per queue, the highest serial that read the
	// resource since the last write.
	readers QueueSerialVector
	// layout is the current image layout. Meaningless for buffers.
	layout vk.ImageLayout
	// availability holds access types of the last write not yet made
	// available by a barrier. Only meaningful on the writer queue.
	availability vk.AccessFlags
	// visibility holds the access types that can already see the last
	// write without a new barrier. Only meaningful on the writer queue.
	visibility vk.AccessFlags
	// stages are the pipeline stages that last accessed the resource.
	stages vk.PipelineStageFlags
	// waitSemaphore is a pending binary semaphore the next access must
	// consume before use (swapchain acquire). At most one.
	waitSemaphore SemaphoreHandle
	// waitStages are the recommended destination stages for waitSemaphore.
	waitStages vk.PipelineStageFlags
	// waitOwned marks waitSemaphore as device-pooled: once consumed it is
	// recycled when the frame retires. External semaphores stay with
	// their owner.
	waitOwned bool
}

func (t *trackingState) hasReaders() bool { return !t.readers.IsZero() }

func (t *trackingState) clearReaders() { t.readers = QueueSerialVector{} }

// lastUse returns the serial vector past which the resource is certainly
// idle: the join of all readers and writers.
func (t *trackingState) lastUse() QueueSerialVector {
	return t.readers.Join(t.writers)
}

// resource is a registry tracking record.
type resource struct {
	id   ResourceID
	name string
	kind resourceKind

	// Native handles. Exactly one of image/buffer is set, per kind.
	image  ImageHandle
	format vk.Format
	buffer BufferHandle

	// owned resources are destroyed by the registry on release;
	// referenced ones (swapchain images) are destroyed externally.
	owned bool
	// transient resources live for a single frame and are reclaimed by
	// that frame's retirement.
	transient bool
	// group is the resource group the resource belongs to, if any.
	// While grouped, synchronization bookkeeping happens on the group.
	group GroupID

	tracking trackingState
}

// zombie is a destroyed-but-not-yet-freed resource, keyed by the serial
// vector that must be reached before the native handle may be released.
type zombie struct {
	res     *resource
	lastUse QueueSerialVector
}
