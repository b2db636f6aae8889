package vkgraph

import (
	"fmt"
	"log/slog"

	vk "github.com/goki/vulkan"
)

// Frame collects passes and resolves their synchronization before
// anything touches a queue. Resource states are staged: the frame works
// on private copies of the registry's tracking records and merges them
// back only when the frame is submitted, so a cancelled frame leaves
// the registry untouched.
//
// A Frame is not safe for concurrent use. Only one frame may be open on
// a Device at a time.
type Frame struct {
	dev *Device

	// number is the 1-based frame counter, independent of serials.
	number FrameNumber
	// baseSerial is the device serial at BeginFrame. A pass belongs to
	// this frame iff its serial is greater than baseSerial.
	baseSerial uint64

	passes []*Pass

	// staging holds the per-frame copies of resource tracking states.
	staging      map[ResourceID]*frameResource
	groupStaging map[GroupID]*frameGroup

	// transients are frame-local resources reclaimed at retirement.
	transients []ResourceID

	// waitInit delays the whole frame until these serials complete.
	waitInit QueueSerialVector

	// xqSync[dst][src] is the highest serial of queue src that queue dst
	// is already execution-synchronized with, through waits added during
	// this frame. It dedupes semaphore waits and suppresses barriers
	// already implied by a semaphore.
	xqSync [MaxQueues]QueueSerialVector

	err  error
	done bool
}

// frameResource is the staged tracking state of one resource.
type frameResource struct {
	res   *resource
	state trackingState
}

// frameGroup is the staged joint tracking state of one resource group.
type frameGroup struct {
	grp   *group
	state trackingState
}

// memoryBarrierKind selects which flavor of memory barrier a
// dependency needs.
type memoryBarrierKind uint8

const (
	barrierNone memoryBarrierKind = iota
	barrierGlobal
	barrierBuffer
	barrierImage
)

// barrierDesc describes the synchronization a dependency requires if it
// is resolved with a pipeline barrier.
type barrierDesc struct {
	srcStages vk.PipelineStageFlags
	dstStages vk.PipelineStageFlags

	kind memoryBarrierKind
	// image/format identify the resource for image barriers, buffer for
	// buffer barriers.
	image  ImageHandle
	format vk.Format
	buffer BufferHandle

	srcAccess vk.AccessFlags
	dstAccess vk.AccessFlags
	oldLayout vk.ImageLayout
	newLayout vk.ImageLayout
}

// BeginFrame opens a new frame. It fails with ErrFrameOpen if another
// frame is already open, and with ErrDeviceLost on a lost device.
func (d *Device) BeginFrame() (*Frame, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceLost
	}
	if d.frameOpen {
		d.mu.Unlock()
		return nil, ErrFrameOpen
	}
	d.frameOpen = true
	d.frameCount++
	number := FrameNumber(d.frameCount)
	d.mu.Unlock()

	f := &Frame{
		dev:          d,
		number:       number,
		baseSerial:   d.serial.Load(),
		staging:      make(map[ResourceID]*frameResource),
		groupStaging: make(map[GroupID]*frameGroup),
	}
	Logger().Debug("frame begun",
		slog.Uint64("frame", uint64(number)),
		slog.Uint64("baseSerial", f.baseSerial))
	return f, nil
}

// Number returns the frame counter value.
func (f *Frame) Number() FrameNumber { return f.number }

// BaseSerial returns the device serial snapshotted at BeginFrame.
func (f *Frame) BaseSerial() uint64 { return f.baseSerial }

// Passes returns the passes added so far, in submission order.
func (f *Frame) Passes() []*Pass { return f.passes }

// Err returns the error that poisoned the frame, if any. A poisoned
// frame rejects further passes and fails End; Cancel is the only way
// out.
func (f *Frame) Err() error { return f.err }

// fail poisons the frame. The first error wins.
func (f *Frame) fail(err error) {
	if f.err == nil {
		f.err = err
		Logger().Warn("frame poisoned",
			slog.Uint64("frame", uint64(f.number)),
			slog.Any("error", err))
	}
}

// After delays execution of the whole frame until the given serials
// have completed on their queues. Used to order a frame after work
// retired from an earlier frame or another frame's passes.
func (f *Frame) After(v QueueSerialVector) {
	f.waitInit = f.waitInit.Join(v)
}

// AddPass appends a pass to the frame. The accesses declare every
// resource the record callback touches and how; from them the frame
// infers execution dependencies, memory barriers, image layout
// transitions and cross-queue semaphore operations.
//
// Usage errors (unknown resource, duplicate declaration, non-present
// pass without accesses) are returned immediately and do not append the
// pass or alter any state; the frame remains usable.
func (f *Frame) AddPass(name string, kind PassKind, accesses []Access, record RecordFunc) (*Pass, error) {
	if f.done {
		return nil, fmt.Errorf("%w: frame %d already ended", ErrInvalidAccess, f.number)
	}
	if f.err != nil {
		return nil, ErrFramePoisoned
	}
	if err := f.dev.checkAlive(); err != nil {
		return nil, err
	}
	if kind != PassPresent && len(accesses) == 0 {
		return nil, fmt.Errorf("%w: pass %q declares no accesses", ErrInvalidAccess, name)
	}

	// Validate before mutating anything, so a failed AddPass has no
	// effect. Fetching staging state up front only copies registry
	// records, which is harmless.
	seen := make(map[ResourceID]struct{}, len(accesses))
	states := make([]*frameResource, len(accesses))
	for i, a := range accesses {
		if !a.Resource.IsValid() {
			return nil, fmt.Errorf("%w: pass %q: invalid resource id", ErrInvalidAccess, name)
		}
		if _, dup := seen[a.Resource]; dup {
			return nil, fmt.Errorf("%w: pass %q declares resource %d more than once", ErrInvalidAccess, name, a.Resource)
		}
		if bad := a.StageMask &^ stagesForKind(kind); bad != 0 {
			return nil, fmt.Errorf("%w: pass %q: stages %#x not executable on a %s queue", ErrInvalidAccess, name, bad, kind)
		}
		seen[a.Resource] = struct{}{}
		fr, err := f.stateOf(a.Resource)
		if err != nil {
			return nil, fmt.Errorf("pass %q: %w", name, err)
		}
		states[i] = fr
	}

	serial := f.dev.nextSerial()
	q := f.dev.queueForKind(kind)
	p := &Pass{
		name:   name,
		index:  len(f.passes),
		kind:   kind,
		snn:    NewSubmissionNumber(q, serial),
		record: record,
	}

	for i, a := range accesses {
		f.referenceResource(p, states[i], a)
	}

	f.passes = append(f.passes, p)
	Logger().Debug("pass added",
		slog.String("name", name),
		slog.String("kind", kind.String()),
		slog.String("snn", p.snn.String()),
		slog.Int("imageBarriers", len(p.imageBarriers)),
		slog.Int("bufferBarriers", len(p.bufferBarriers)),
		slog.Bool("signals", p.signalTimeline))
	return p, nil
}

// stateOf returns the staged state for a resource, copying it from the
// registry on first touch.
func (f *Frame) stateOf(id ResourceID) (*frameResource, error) {
	if fr, ok := f.staging[id]; ok {
		return fr, nil
	}
	f.dev.mu.Lock()
	r, ok := f.dev.resources[id]
	var state trackingState
	if ok {
		state = r.tracking
	}
	f.dev.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResource, id)
	}
	fr := &frameResource{res: r, state: state}
	f.staging[id] = fr
	return fr, nil
}

// groupStateOf returns the staged joint state for a group, copying it
// from the registry on first touch.
func (f *Frame) groupStateOf(id GroupID) *frameGroup {
	if fg, ok := f.groupStaging[id]; ok {
		return fg
	}
	f.dev.mu.Lock()
	g := f.dev.groups[id]
	var state trackingState
	if g != nil {
		state = g.state
	}
	f.dev.mu.Unlock()
	fg := &frameGroup{grp: g, state: state}
	f.groupStaging[id] = fg
	return fg
}

// referenceResource resolves one declared access: it decides between no
// synchronization, a pipeline barrier (possibly hoisted onto an earlier
// pass) or a cross-queue semaphore wait, then advances the staged state.
//
// For grouped resources the serial/mask bookkeeping happens on the
// group's joint state; the image layout and any pending acquire
// semaphore stay per-resource.
func (f *Frame) referenceResource(p *Pass, fr *frameResource, a Access) {
	res := fr.res

	// Grouped resources synchronize through the joint group state.
	sync := &fr.state
	if res.group.IsValid() {
		sync = &f.groupStateOf(res.group).state
	}

	if !sync.firstAccess.IsValid() {
		sync.firstAccess = p.snn
	}

	// A pending binary semaphore (swapchain acquire, external producer)
	// is consumed by the first access and stands in for any barrier.
	hasExternalSemaphore := false
	if fr.state.waitSemaphore != 0 {
		dstStages := fr.state.waitStages
		if dstStages == 0 {
			dstStages = a.StageMask
		}
		p.waits = append(p.waits, SemaphoreWait{
			Semaphore: fr.state.waitSemaphore,
			DstStages: dstStages,
			Owned:     fr.state.waitOwned,
		})
		fr.state.waitSemaphore = 0
		fr.state.waitStages = 0
		fr.state.waitOwned = false
		hasExternalSemaphore = true
	}

	needLayoutTransition := res.kind == resourceImage && fr.state.layout != a.InputLayout

	// Layout transitions synchronize like writes.
	isWrite := isWriteAccess(a.AccessMask) || needLayoutTransition

	// The visibility mask only means something on the writers' queue;
	// cross-queue accesses (and grouped resources with writers on more
	// than one queue) never skip synchronization.
	writesVisible := sync.writers.confinedTo(p.snn.Queue()) &&
		(sync.visibility&a.AccessMask == a.AccessMask ||
			sync.visibility&vk.AccessFlags(vk.AccessMemoryReadBit) != 0)

	if (!hasExternalSemaphore && !writesVisible) || needLayoutTransition {
		// Writers must wait for all readers; readers (and writers of an
		// unread resource) wait for the writers.
		var syncSources QueueSerialVector
		if isWrite && sync.hasReaders() {
			syncSources = sync.readers
		} else {
			syncSources = sync.writers
		}

		b := barrierDesc{
			srcStages: sync.stages,
			dstStages: a.StageMask,
			srcAccess: sync.availability,
			dstAccess: a.AccessMask,
		}
		switch res.kind {
		case resourceImage:
			b.kind = barrierImage
			b.image = res.image
			b.format = res.format
			b.oldLayout = fr.state.layout
			b.newLayout = a.InputLayout
		case resourceBuffer:
			b.kind = barrierBuffer
			b.buffer = res.buffer
		}
		f.addMemoryDependency(p, syncSources, b)

		if syncSources.singleSourceSameQueueAndFrame(p.snn.Queue(), f.baseSerial) {
			// The barrier makes all prior writes available, and visible
			// to this access type.
			sync.availability = 0
			sync.visibility |= a.AccessMask
		}

		if needLayoutTransition {
			// The transition always lands on the accessing pass, even
			// when the memory dependency was hoisted onto an earlier one.
			mb := p.imageBarrierFor(res.image, res.format)
			mb.OldLayout = fr.state.layout
			mb.NewLayout = a.InputLayout
		}
	}

	if res.kind == resourceImage {
		out := a.OutputLayout
		if out == vk.ImageLayoutUndefined {
			out = a.InputLayout
		}
		fr.state.layout = out
	}

	if isWriteAccess(a.AccessMask) {
		// New data: nothing has seen it yet, and it must be made
		// available before the next dependent access.
		sync.visibility = 0
		sync.availability |= a.AccessMask
	}

	if isWrite {
		// The new write synchronized with every prior writer above, so
		// it supersedes the whole vector.
		sync.stages = a.StageMask
		sync.clearReaders()
		sync.writers = QueueSerialVectorFor(p.snn)
	} else {
		sync.readers = sync.readers.JoinSerial(p.snn)
	}

	p.accesses = append(p.accesses, a)
}

// addMemoryDependency synchronizes dst with the given source serials.
// Same-queue same-frame sources get a pipeline barrier, hoisted onto an
// intermediate pass when one already covers the stages involved. Every
// other source gets a timeline semaphore wait, deduplicated through the
// frame's cross-queue sync table; in-frame sources are then flagged to
// signal their queue timeline.
func (f *Frame) addMemoryDependency(dst *Pass, sources QueueSerialVector, b barrierDesc) {
	q := dst.snn.Queue()

	if !sources.singleSourceSameQueueAndFrame(q, f.baseSerial) {
		// Multiple sources, another queue, or an older frame: semaphores.
		for iq := 0; iq < MaxQueues; iq++ {
			sn := sources[iq]
			if sn == 0 {
				continue
			}
			if f.xqSync[q][iq] >= sn {
				// Already execution-synchronized with that serial.
				continue
			}
			f.xqSync[q][iq] = sn

			if sn > dst.waitSerials[iq] {
				dst.waitSerials[iq] = sn
			}
			dst.waitDstStages[iq] |= b.dstStages

			if sn > f.baseSerial {
				src := f.passes[f.passIndex(sn)]
				src.signalTimeline = true
				dst.addPred(src)
			}
		}
		return
	}

	srcSN := sources[q]
	if f.xqSync[q][q] >= srcSN {
		// A semaphore wait recorded earlier in the frame already covers
		// this dependency. Layout transitions are handled by the caller.
		return
	}

	// Single same-queue in-frame source (or no source at all when srcSN
	// is zero): a pipeline barrier. Reuse a barrier of an intermediate
	// pass on the same queue if its stage masks already cover ours.
	barrierPass := dst
	if srcSN > 0 {
		src := f.passes[f.passIndex(srcSN)]
		for _, cand := range f.passes[src.index+1:] {
			if cand.snn.Queue() == q &&
				cand.srcStages&b.srcStages == b.srcStages &&
				cand.dstStages&b.dstStages == b.dstStages {
				barrierPass = cand
				break
			}
		}
		dst.addPred(src)
	}

	barrierPass.srcStages |= b.srcStages
	barrierPass.dstStages |= b.dstStages

	switch b.kind {
	case barrierImage:
		mb := barrierPass.imageBarrierFor(b.image, b.format)
		mb.SrcAccess |= b.srcAccess
		mb.DstAccess |= b.dstAccess
		mb.OldLayout = b.oldLayout
		mb.NewLayout = b.newLayout
	case barrierBuffer:
		mb := barrierPass.bufferBarrierFor(b.buffer)
		mb.SrcAccess |= b.srcAccess
		mb.DstAccess |= b.dstAccess
	case barrierGlobal:
		mb := barrierPass.globalBarrierRef()
		mb.SrcAccess |= b.srcAccess
		mb.DstAccess |= b.dstAccess
	}
}

// passIndex maps an in-frame serial to its index in f.passes.
func (f *Frame) passIndex(sn uint64) int {
	return int(sn - f.baseSerial - 1)
}

// CreateTransientImage creates an image that lives for this frame only.
// It is destroyed automatically once the frame's GPU work completes; it
// must not be referenced by later frames.
func (f *Frame) CreateTransientImage(name string, desc ImageDesc, loc MemoryLocation) (ImageInfo, error) {
	if f.done {
		return ImageInfo{}, fmt.Errorf("%w: frame %d already ended", ErrInvalidAccess, f.number)
	}
	info, err := f.dev.CreateImage(name, desc, loc)
	if err != nil {
		return ImageInfo{}, err
	}
	f.markTransient(info.ID)
	return info, nil
}

// CreateTransientBuffer creates a buffer that lives for this frame only.
func (f *Frame) CreateTransientBuffer(name string, desc BufferDesc, loc MemoryLocation) (BufferInfo, error) {
	if f.done {
		return BufferInfo{}, fmt.Errorf("%w: frame %d already ended", ErrInvalidAccess, f.number)
	}
	info, err := f.dev.CreateBuffer(name, desc, loc)
	if err != nil {
		return BufferInfo{}, err
	}
	f.markTransient(info.ID)
	return info, nil
}

func (f *Frame) markTransient(id ResourceID) {
	f.dev.mu.Lock()
	if r, ok := f.dev.resources[id]; ok {
		r.transient = true
	}
	f.dev.mu.Unlock()
	f.transients = append(f.transients, id)
}

// Cancel discards the frame without submitting anything. Staged state
// changes are dropped, transients are destroyed immediately (nothing
// has used them on a queue), and the device accepts a new frame. Cancel
// on an ended frame is a no-op.
func (f *Frame) Cancel() {
	if f.done {
		return
	}
	f.done = true

	// Staging copies are never merged back, so pending acquire
	// semaphores stay on the registry records. Only transients need
	// cleanup, and nothing on a queue has touched them.
	for _, id := range f.transients {
		if err := f.dev.Destroy(id); err != nil {
			Logger().Warn("cancel: destroying transient",
				slog.Uint64("id", uint64(id)), slog.Any("error", err))
		}
	}

	f.dev.mu.Lock()
	f.dev.frameOpen = false
	f.dev.mu.Unlock()

	Logger().Debug("frame cancelled", slog.Uint64("frame", uint64(f.number)))
}
