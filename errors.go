package vkgraph

import "errors"

// Errors reported by the frame engine. Usage errors are local to the
// offending call and leave the frame usable; resource-exhaustion errors
// poison the enclosing frame; ErrDeviceLost poisons the Device.
var (
	// ErrInvalidAccess is returned when a pass declares a malformed or
	// self-conflicting access list (for example the same resource
	// declared twice, or an empty access list on a non-present pass).
	ErrInvalidAccess = errors.New("vkgraph: invalid resource access")

	// ErrDeviceLost indicates that the underlying device was lost.
	// It is fatal: all subsequent frame operations fail until the
	// Device is rebuilt.
	ErrDeviceLost = errors.New("vkgraph: device lost")

	// ErrTimeout is returned by WaitFor when the timeout expires before
	// all queue timelines reach the requested serials. Non-fatal; the
	// caller may retry.
	ErrTimeout = errors.New("vkgraph: wait timed out")

	// ErrOutOfDeviceMemory is returned by resource creation when device
	// memory is exhausted.
	ErrOutOfDeviceMemory = errors.New("vkgraph: out of device memory")

	// ErrOutOfHostMemory is returned by creation or submission when host
	// memory is exhausted.
	ErrOutOfHostMemory = errors.New("vkgraph: out of host memory")

	// ErrSwapchainOutOfDate is returned by Acquire or Present when the
	// swapchain no longer matches the surface and must be recreated.
	ErrSwapchainOutOfDate = errors.New("vkgraph: swapchain out of date")

	// ErrSwapchainSuboptimal is returned by Acquire when the swapchain
	// still works but no longer matches the surface optimally.
	ErrSwapchainSuboptimal = errors.New("vkgraph: swapchain suboptimal")

	// ErrFrameOpen is returned by Begin when a frame is already open on
	// the Device, and by registry operations that require being outside
	// a frame.
	ErrFrameOpen = errors.New("vkgraph: a frame is already open")

	// ErrFramePoisoned is returned by frame operations after a
	// resource-exhaustion or submission error; the frame must be
	// cancelled.
	ErrFramePoisoned = errors.New("vkgraph: frame poisoned by earlier error")

	// ErrResourceInGroup is returned when an operation requires an
	// ungrouped resource (destruction, joining another group).
	ErrResourceInGroup = errors.New("vkgraph: resource belongs to a group")

	// ErrUnknownResource is returned when a resource identifier does not
	// refer to a live registered resource.
	ErrUnknownResource = errors.New("vkgraph: unknown resource")
)
