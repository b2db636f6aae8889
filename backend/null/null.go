// Package null implements an in-memory driver for tests and headless
// runs. It executes nothing: submissions complete instantly, timeline
// semaphores advance synchronously, and every call is recorded so tests
// can assert on the exact command stream the engine produced.
package null

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vkgraph/vkgraph"
	"github.com/vkgraph/vkgraph/backend"
)

func init() {
	backend.Register(backend.BackendNull, func() (vkgraph.Driver, error) {
		return New(), nil
	})
}

// Option configures a Driver.
type Option func(*Driver)

// WithQueueCount sets the number of queues the driver exposes.
// The default is 1; values are clamped to [1, vkgraph.MaxQueues].
func WithQueueCount(n int) Option {
	return func(d *Driver) {
		if n < 1 {
			n = 1
		}
		if n > vkgraph.MaxQueues {
			n = vkgraph.MaxQueues
		}
		d.queueCount = n
	}
}

// SubmittedBatch is one recorded call to Submit.
type SubmittedBatch struct {
	Queue int
	vkgraph.Submission
}

// PresentOp is one recorded call to Present.
type PresentOp struct {
	Queue      int
	Swapchain  vkgraph.SwapchainHandle
	ImageIndex uint32
	Wait       vkgraph.SemaphoreHandle
}

// Driver is the in-memory backend. It hands out fake handles from a
// shared counter and models semaphores faithfully: binary semaphores
// toggle between signalled and unsignalled, timelines only move
// forward, and a submission that waits on something never signalled
// fails instead of deadlocking.
type Driver struct {
	queueCount int

	next atomic.Uint64

	mu         sync.Mutex
	timelines  map[vkgraph.SemaphoreHandle]uint64
	binaries   map[vkgraph.SemaphoreHandle]bool
	pools      map[vkgraph.CommandPoolHandle]int
	recording  map[vkgraph.CommandBuffer]bool
	swapchains map[vkgraph.SwapchainHandle]*swapchainState

	submissions      []SubmittedBatch
	presents         []PresentOp
	barriers         map[vkgraph.CommandBuffer][]vkgraph.Barrier
	destroyedImages  []vkgraph.ImageHandle
	destroyedBuffers []vkgraph.BufferHandle
}

type swapchainState struct {
	imageCount uint32
	nextImage  uint32
}

// New creates a null driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		queueCount: 1,
		timelines:  make(map[vkgraph.SemaphoreHandle]uint64),
		binaries:   make(map[vkgraph.SemaphoreHandle]bool),
		pools:      make(map[vkgraph.CommandPoolHandle]int),
		recording:  make(map[vkgraph.CommandBuffer]bool),
		swapchains: make(map[vkgraph.SwapchainHandle]*swapchainState),
		barriers:   make(map[vkgraph.CommandBuffer][]vkgraph.Barrier),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) handle() uint64 { return d.next.Add(1) }

// Name implements vkgraph.Driver.
func (d *Driver) Name() string { return "null" }

// QueueCount implements vkgraph.Driver.
func (d *Driver) QueueCount() int { return d.queueCount }

// Close implements vkgraph.Driver.
func (d *Driver) Close() {}

// CreateImage implements vkgraph.Driver.
func (d *Driver) CreateImage(desc vkgraph.ImageDesc, loc vkgraph.MemoryLocation) (vkgraph.ImageHandle, error) {
	return vkgraph.ImageHandle(d.handle()), nil
}

// DestroyImage implements vkgraph.Driver.
func (d *Driver) DestroyImage(h vkgraph.ImageHandle) {
	d.mu.Lock()
	d.destroyedImages = append(d.destroyedImages, h)
	d.mu.Unlock()
}

// CreateBuffer implements vkgraph.Driver.
func (d *Driver) CreateBuffer(desc vkgraph.BufferDesc, loc vkgraph.MemoryLocation) (vkgraph.BufferHandle, error) {
	return vkgraph.BufferHandle(d.handle()), nil
}

// DestroyBuffer implements vkgraph.Driver.
func (d *Driver) DestroyBuffer(h vkgraph.BufferHandle) {
	d.mu.Lock()
	d.destroyedBuffers = append(d.destroyedBuffers, h)
	d.mu.Unlock()
}

// CreateTimeline implements vkgraph.Driver.
func (d *Driver) CreateTimeline() (vkgraph.SemaphoreHandle, error) {
	h := vkgraph.SemaphoreHandle(d.handle())
	d.mu.Lock()
	d.timelines[h] = 0
	d.mu.Unlock()
	return h, nil
}

// CreateSemaphore implements vkgraph.Driver.
func (d *Driver) CreateSemaphore() (vkgraph.SemaphoreHandle, error) {
	h := vkgraph.SemaphoreHandle(d.handle())
	d.mu.Lock()
	d.binaries[h] = false
	d.mu.Unlock()
	return h, nil
}

// DestroySemaphore implements vkgraph.Driver.
func (d *Driver) DestroySemaphore(h vkgraph.SemaphoreHandle) {
	d.mu.Lock()
	delete(d.timelines, h)
	delete(d.binaries, h)
	d.mu.Unlock()
}

// TimelineValue implements vkgraph.Driver.
func (d *Driver) TimelineValue(h vkgraph.SemaphoreHandle) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.timelines[h]
	if !ok {
		return 0, fmt.Errorf("null: unknown timeline %d", h)
	}
	return v, nil
}

// WaitTimelines implements vkgraph.Driver. Submissions complete
// synchronously, so a value is either already reached or never will be;
// unreached values report ErrTimeout immediately.
func (d *Driver) WaitTimelines(sems []vkgraph.SemaphoreHandle, values []uint64, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range sems {
		if d.timelines[h] < values[i] {
			return vkgraph.ErrTimeout
		}
	}
	return nil
}

// CreateCommandPool implements vkgraph.Driver.
func (d *Driver) CreateCommandPool(queue int) (vkgraph.CommandPoolHandle, error) {
	h := vkgraph.CommandPoolHandle(d.handle())
	d.mu.Lock()
	d.pools[h] = queue
	d.mu.Unlock()
	return h, nil
}

// ResetCommandPool implements vkgraph.Driver.
func (d *Driver) ResetCommandPool(h vkgraph.CommandPoolHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[h]; !ok {
		return fmt.Errorf("null: unknown command pool %d", h)
	}
	return nil
}

// DestroyCommandPool implements vkgraph.Driver.
func (d *Driver) DestroyCommandPool(h vkgraph.CommandPoolHandle) {
	d.mu.Lock()
	delete(d.pools, h)
	d.mu.Unlock()
}

// AllocateCommandBuffer implements vkgraph.Driver.
func (d *Driver) AllocateCommandBuffer(h vkgraph.CommandPoolHandle) (vkgraph.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[h]; !ok {
		return 0, fmt.Errorf("null: unknown command pool %d", h)
	}
	return vkgraph.CommandBuffer(d.handle()), nil
}

// BeginCommandBuffer implements vkgraph.Driver.
func (d *Driver) BeginCommandBuffer(cb vkgraph.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recording[cb] {
		return fmt.Errorf("null: command buffer %d already recording", cb)
	}
	d.recording[cb] = true
	return nil
}

// EndCommandBuffer implements vkgraph.Driver.
func (d *Driver) EndCommandBuffer(cb vkgraph.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording[cb] {
		return fmt.Errorf("null: command buffer %d not recording", cb)
	}
	d.recording[cb] = false
	return nil
}

// CmdPipelineBarrier implements vkgraph.Driver.
func (d *Driver) CmdPipelineBarrier(cb vkgraph.CommandBuffer, b *vkgraph.Barrier) {
	cp := vkgraph.Barrier{
		SrcStages: b.SrcStages,
		DstStages: b.DstStages,
		Buffers:   append([]vkgraph.BufferBarrier(nil), b.Buffers...),
		Images:    append([]vkgraph.ImageBarrier(nil), b.Images...),
	}
	if b.Global != nil {
		g := *b.Global
		cp.Global = &g
	}
	d.mu.Lock()
	d.barriers[cb] = append(d.barriers[cb], cp)
	d.mu.Unlock()
}

// Submit implements vkgraph.Driver. The submission "executes"
// immediately: binary waits consume their semaphores, the timeline
// signal advances its timeline, binary signals flip their semaphores.
// A wait on an unsignalled semaphore or an unreached timeline value is
// an ordering bug in the caller and fails the submit.
func (d *Driver) Submit(queue int, sub *vkgraph.Submission) error {
	if queue < 0 || queue >= d.queueCount {
		return fmt.Errorf("null: queue %d out of range", queue)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range sub.WaitTimelines {
		if d.timelines[w.Semaphore] < w.Value {
			return fmt.Errorf("null: queue %d waits on timeline %d value %d, current %d",
				queue, w.Semaphore, w.Value, d.timelines[w.Semaphore])
		}
	}
	for _, w := range sub.WaitBinary {
		if !d.binaries[w.Semaphore] {
			return fmt.Errorf("null: queue %d waits on unsignalled semaphore %d", queue, w.Semaphore)
		}
		d.binaries[w.Semaphore] = false
	}

	if s := sub.SignalTimeline; s != nil {
		if d.timelines[s.Semaphore] < s.Value {
			d.timelines[s.Semaphore] = s.Value
		}
	}
	for _, s := range sub.SignalBinary {
		d.binaries[s] = true
	}

	rec := SubmittedBatch{Queue: queue}
	rec.CommandBuffers = append([]vkgraph.CommandBuffer(nil), sub.CommandBuffers...)
	rec.WaitTimelines = append([]vkgraph.TimelineOp(nil), sub.WaitTimelines...)
	rec.WaitBinary = append([]vkgraph.BinaryWait(nil), sub.WaitBinary...)
	if sub.SignalTimeline != nil {
		s := *sub.SignalTimeline
		rec.SignalTimeline = &s
	}
	rec.SignalBinary = append([]vkgraph.SemaphoreHandle(nil), sub.SignalBinary...)
	d.submissions = append(d.submissions, rec)
	return nil
}

// NewSwapchain creates a fake swapchain with the given image count and
// returns its handle and image handles. Test helper; real swapchains
// come from the vulkan backend.
func (d *Driver) NewSwapchain(imageCount uint32) (vkgraph.SwapchainHandle, []vkgraph.ImageHandle) {
	h := vkgraph.SwapchainHandle(d.handle())
	images := make([]vkgraph.ImageHandle, imageCount)
	for i := range images {
		images[i] = vkgraph.ImageHandle(d.handle())
	}
	d.mu.Lock()
	d.swapchains[h] = &swapchainState{imageCount: imageCount}
	d.mu.Unlock()
	return h, images
}

// AcquireNextImage implements vkgraph.Driver. Images are handed out
// round-robin and the acquire semaphore is signalled immediately.
func (d *Driver) AcquireNextImage(sc vkgraph.SwapchainHandle, signal vkgraph.SemaphoreHandle, timeout time.Duration) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.swapchains[sc]
	if !ok {
		return 0, fmt.Errorf("null: unknown swapchain %d", sc)
	}
	idx := s.nextImage
	s.nextImage = (s.nextImage + 1) % s.imageCount
	d.binaries[signal] = true
	return idx, nil
}

// Present implements vkgraph.Driver. It consumes the wait semaphore and
// records the operation.
func (d *Driver) Present(queue int, sc vkgraph.SwapchainHandle, imageIndex uint32, wait vkgraph.SemaphoreHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.swapchains[sc]; !ok {
		return fmt.Errorf("null: unknown swapchain %d", sc)
	}
	if !d.binaries[wait] {
		return fmt.Errorf("null: present waits on unsignalled semaphore %d", wait)
	}
	d.binaries[wait] = false
	d.presents = append(d.presents, PresentOp{Queue: queue, Swapchain: sc, ImageIndex: imageIndex, Wait: wait})
	return nil
}

// Submissions returns every recorded Submit call, in order.
func (d *Driver) Submissions() []SubmittedBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SubmittedBatch(nil), d.submissions...)
}

// Presents returns every recorded Present call, in order.
func (d *Driver) Presents() []PresentOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PresentOp(nil), d.presents...)
}

// Barriers returns the pipeline barriers recorded into cb, in order.
func (d *Driver) Barriers(cb vkgraph.CommandBuffer) []vkgraph.Barrier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]vkgraph.Barrier(nil), d.barriers[cb]...)
}

// DestroyedImages returns the image handles released so far.
func (d *Driver) DestroyedImages() []vkgraph.ImageHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]vkgraph.ImageHandle(nil), d.destroyedImages...)
}

// DestroyedBuffers returns the buffer handles released so far.
func (d *Driver) DestroyedBuffers() []vkgraph.BufferHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]vkgraph.BufferHandle(nil), d.destroyedBuffers...)
}

// Reset clears the recorded submissions, presents and barriers without
// touching semaphore or timeline state.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = nil
	d.presents = nil
	d.barriers = make(map[vkgraph.CommandBuffer][]vkgraph.Barrier)
}
