package vkgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	vk "github.com/goki/vulkan"
	"golang.org/x/sync/errgroup"
)

// Ownership states who destroys a registered resource.
type Ownership int

const (
	// Owned resources are destroyed by the registry once all queues
	// have passed the resource's last use.
	Owned Ownership = iota
	// Referenced resources are destroyed by external code (for example
	// swapchain images, destroyed with their swapchain).
	Referenced
)

// Device owns the native device, its submission queues, one timeline
// semaphore per queue, and the resource registry. It is the only
// process-wide state of the engine; it is created explicitly and shared
// by reference.
//
// A Device is safe for concurrent use, but frame construction is
// single-threaded cooperative: only one Frame may be open at a time.
type Device struct {
	drv Driver

	queueCount    int
	graphicsQueue int
	computeQueue  int
	transferQueue int
	presentQueue  int

	framesInFlight int

	// serial is the last allocated pass serial, device-wide.
	serial atomic.Uint64
	// lost flips once the driver reports device loss; everything fails
	// afterwards until the Device is rebuilt.
	lost atomic.Bool

	mu            sync.Mutex
	timelines     [MaxQueues]SemaphoreHandle
	lastSignalled QueueSerialVector
	completed     QueueSerialVector
	resources     map[ResourceID]*resource
	groups        map[GroupID]*group
	nextID        uint64
	nextGroupID   uint64
	zombies       []zombie
	semaphorePool []SemaphoreHandle
	poolsByQueue  [MaxQueues][]*commandAllocator
	frameOpen     bool
	frameCount    uint64
	inFlight      []*frameInFlight

	retire errgroup.Group
	closed bool
}

// frameInFlight tracks a submitted frame until its retirement completes.
type frameInFlight struct {
	signalled QueueSerialVector
	done      chan struct{}
}

// NewDevice wraps a Driver in a Device: it creates the per-queue
// timeline semaphores and the empty resource registry.
func NewDevice(drv Driver, opts ...DeviceOption) (*Device, error) {
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}

	qc := drv.QueueCount()
	if qc < 1 {
		return nil, fmt.Errorf("vkgraph: driver %q exposes no queues", drv.Name())
	}
	if qc > MaxQueues {
		qc = MaxQueues
	}

	d := &Device{
		drv:            drv,
		queueCount:     qc,
		framesInFlight: o.framesInFlight,
		resources:      make(map[ResourceID]*resource),
		groups:         make(map[GroupID]*group),
	}

	// Deterministic kind-to-queue assignment: graphics (and present) on
	// queue 0, then dedicated compute and transfer queues if requested
	// and available.
	next := 1
	d.graphicsQueue = 0
	d.presentQueue = 0
	d.computeQueue = 0
	d.transferQueue = 0
	if o.queues.Compute && next < qc {
		d.computeQueue = next
		next++
	}
	if o.queues.Transfer && next < qc {
		d.transferQueue = next
		next++
	} else if o.queues.Transfer {
		d.transferQueue = d.computeQueue
	}

	for q := 0; q < qc; q++ {
		tl, err := drv.CreateTimeline()
		if err != nil {
			for i := 0; i < q; i++ {
				drv.DestroySemaphore(d.timelines[i])
			}
			return nil, fmt.Errorf("vkgraph: creating queue timeline: %w", err)
		}
		d.timelines[q] = tl
	}

	Logger().Info("device created",
		slog.String("driver", drv.Name()),
		slog.Int("queues", qc),
		slog.Int("computeQueue", d.computeQueue),
		slog.Int("transferQueue", d.transferQueue))
	return d, nil
}

// Driver returns the underlying driver.
func (d *Device) Driver() Driver { return d.drv }

// QueueCount returns the number of submission queues in use.
func (d *Device) QueueCount() int { return d.queueCount }

// queueForKind maps a pass kind to its queue index.
func (d *Device) queueForKind(kind PassKind) int {
	switch kind {
	case PassCompute:
		return d.computeQueue
	case PassTransfer:
		return d.transferQueue
	case PassPresent:
		return d.presentQueue
	default:
		return d.graphicsQueue
	}
}

// nextSerial mints a fresh device-wide serial number. Serials are
// strictly increasing and never reused.
func (d *Device) nextSerial() uint64 {
	sn := d.serial.Add(1)
	if sn > maxSerial {
		panic("vkgraph: serial number space exhausted")
	}
	return sn
}

// LastSerial returns the most recently minted serial number.
func (d *Device) LastSerial() uint64 { return d.serial.Load() }

// Lost reports whether the device has been lost.
func (d *Device) Lost() bool { return d.lost.Load() }

func (d *Device) checkAlive() error {
	if d.lost.Load() {
		return ErrDeviceLost
	}
	return nil
}

// noteLost records device loss if err is (or wraps) ErrDeviceLost.
func (d *Device) noteLost(err error) {
	if err == nil {
		return
	}
	if isDeviceLost(err) {
		d.lost.Store(true)
	}
}

// CreateImage creates an image resource owned by the registry.
func (d *Device) CreateImage(name string, desc ImageDesc, loc MemoryLocation) (ImageInfo, error) {
	if err := d.checkAlive(); err != nil {
		return ImageInfo{}, err
	}
	h, err := d.drv.CreateImage(desc, loc)
	if err != nil {
		d.noteLost(err)
		return ImageInfo{}, fmt.Errorf("vkgraph: creating image %q: %w", name, err)
	}
	id := d.register(&resource{
		name:   name,
		kind:   resourceImage,
		image:  h,
		format: desc.Format,
		owned:  true,
	})
	return ImageInfo{ID: id, Handle: h}, nil
}

// CreateBuffer creates a buffer resource owned by the registry.
func (d *Device) CreateBuffer(name string, desc BufferDesc, loc MemoryLocation) (BufferInfo, error) {
	if err := d.checkAlive(); err != nil {
		return BufferInfo{}, err
	}
	h, err := d.drv.CreateBuffer(desc, loc)
	if err != nil {
		d.noteLost(err)
		return BufferInfo{}, fmt.Errorf("vkgraph: creating buffer %q: %w", name, err)
	}
	id := d.register(&resource{
		name:   name,
		kind:   resourceBuffer,
		buffer: h,
		owned:  true,
	})
	return BufferInfo{ID: id, Handle: h}, nil
}

// RegisterImage places an externally created image under tracking.
// The initial synchronization state is "never touched": no writer, no
// readers, layout as given. initialWait, if non-nil, is a semaphore the
// first pass touching the image must wait on.
func (d *Device) RegisterImage(name string, h ImageHandle, format vk.Format, layout vk.ImageLayout, own Ownership, initialWait *SemaphoreWait) ResourceID {
	r := &resource{
		name:   name,
		kind:   resourceImage,
		image:  h,
		format: format,
		owned:  own == Owned,
	}
	r.tracking.layout = layout
	if initialWait != nil {
		r.tracking.waitSemaphore = initialWait.Semaphore
		r.tracking.waitStages = initialWait.DstStages
		r.tracking.waitOwned = initialWait.Owned
	}
	return d.register(r)
}

// RegisterBuffer places an externally created buffer under tracking.
func (d *Device) RegisterBuffer(name string, h BufferHandle, own Ownership, initialWait *SemaphoreWait) ResourceID {
	r := &resource{
		name:   name,
		kind:   resourceBuffer,
		buffer: h,
		owned:  own == Owned,
	}
	if initialWait != nil {
		r.tracking.waitSemaphore = initialWait.Semaphore
		r.tracking.waitStages = initialWait.DstStages
		r.tracking.waitOwned = initialWait.Owned
	}
	return d.register(r)
}

func (d *Device) register(r *resource) ResourceID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	r.id = ResourceID(d.nextID)
	d.resources[r.id] = r
	return r.id
}

// Destroy removes a resource from the registry and enqueues its native
// handle for deferred destruction. The handle is released only once all
// queue timelines have passed the resource's last use. Grouped
// resources must be ungrouped first.
func (d *Device) Destroy(id ResourceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[id]
	if !ok {
		return ErrUnknownResource
	}
	if r.group.IsValid() {
		return ErrResourceInGroup
	}
	delete(d.resources, id)
	d.zombies = append(d.zombies, zombie{res: r, lastUse: r.tracking.lastUse()})
	d.flushZombiesLocked()
	return nil
}

// flushZombiesLocked frees the handles of destroyed resources whose
// last use has been reached. Caller holds d.mu.
func (d *Device) flushZombiesLocked() {
	kept := d.zombies[:0]
	for _, z := range d.zombies {
		if !z.lastUse.LessOrEqual(d.completed) {
			kept = append(kept, z)
			continue
		}
		d.freeResource(z.res)
	}
	d.zombies = kept
}

// freeResource releases a native handle for an owned resource.
func (d *Device) freeResource(r *resource) {
	if !r.owned {
		return
	}
	Logger().Debug("destroying resource", slog.String("name", r.name), slog.Uint64("id", uint64(r.id)))
	switch r.kind {
	case resourceImage:
		d.drv.DestroyImage(r.image)
	case resourceBuffer:
		d.drv.DestroyBuffer(r.buffer)
	}
}

// resourceByID returns the registry record. Caller holds d.mu.
func (d *Device) resourceByID(id ResourceID) (*resource, bool) {
	r, ok := d.resources[id]
	return r, ok
}

// WaitFor blocks until every queue timeline has reached the given
// serial vector, or the timeout expires. A zero entry places no
// constraint on that queue. On success the device-wide completed vector
// is advanced, which may release deferred destructions.
func (d *Device) WaitFor(v QueueSerialVector, timeout time.Duration) error {
	if err := d.checkAlive(); err != nil {
		return err
	}

	d.mu.Lock()
	if v.LessOrEqual(d.completed) {
		d.mu.Unlock()
		return nil
	}
	sems := make([]SemaphoreHandle, 0, d.queueCount)
	values := make([]uint64, 0, d.queueCount)
	for q := 0; q < d.queueCount; q++ {
		if v[q] != 0 {
			sems = append(sems, d.timelines[q])
			values = append(values, v[q])
		}
	}
	d.mu.Unlock()

	if len(sems) == 0 {
		return nil
	}
	if err := d.drv.WaitTimelines(sems, values, timeout); err != nil {
		d.noteLost(err)
		return err
	}

	d.mu.Lock()
	d.completed = d.completed.Join(v)
	d.flushZombiesLocked()
	d.mu.Unlock()
	return nil
}

// CreateSemaphore returns an unsignalled binary semaphore, recycled from
// the device pool when possible.
func (d *Device) CreateSemaphore() (SemaphoreHandle, error) {
	d.mu.Lock()
	if n := len(d.semaphorePool); n > 0 {
		s := d.semaphorePool[n-1]
		d.semaphorePool = d.semaphorePool[:n-1]
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()
	s, err := d.drv.CreateSemaphore()
	if err != nil {
		d.noteLost(err)
		return 0, err
	}
	return s, nil
}

// DestroySemaphore returns a binary semaphore to the device pool.
// The semaphore must be unsignalled, or guaranteed unsignalled by the
// time it is handed out again.
func (d *Device) DestroySemaphore(s SemaphoreHandle) {
	d.mu.Lock()
	d.semaphorePool = append(d.semaphorePool, s)
	d.mu.Unlock()
}

// recycleSemaphores returns consumed binary semaphores to the pool.
func (d *Device) recycleSemaphores(sems []SemaphoreHandle) {
	if len(sems) == 0 {
		return
	}
	d.mu.Lock()
	d.semaphorePool = append(d.semaphorePool, sems...)
	d.mu.Unlock()
}

// Close waits for all in-flight frames to retire, flushes deferred
// destruction and releases device-owned objects. The Device must not be
// used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.lastSignalled
	d.mu.Unlock()

	// Drain the GPU before tearing anything down. Best effort: a lost
	// device cannot be waited on.
	if !pending.IsZero() && !d.lost.Load() {
		if err := d.WaitFor(pending, time.Second); err != nil {
			Logger().Warn("close: draining queues failed", slog.Any("error", err))
		}
	}
	err := d.retire.Wait()

	d.mu.Lock()
	d.completed = d.completed.Join(pending)
	for _, z := range d.zombies {
		d.freeResource(z.res)
	}
	d.zombies = nil
	for _, r := range d.resources {
		d.freeResource(r)
	}
	d.resources = map[ResourceID]*resource{}
	for _, s := range d.semaphorePool {
		d.drv.DestroySemaphore(s)
	}
	d.semaphorePool = nil
	for q := range d.poolsByQueue {
		for _, a := range d.poolsByQueue[q] {
			d.drv.DestroyCommandPool(a.pool)
		}
		d.poolsByQueue[q] = nil
	}
	for q := 0; q < d.queueCount; q++ {
		d.drv.DestroySemaphore(d.timelines[q])
	}
	d.mu.Unlock()

	Logger().Info("device closed", slog.String("driver", d.drv.Name()))
	return err
}

// isDeviceLost reports whether err is, or wraps, device loss.
func isDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}
