package vkgraph

import (
	vk "github.com/goki/vulkan"
)

// PassKind determines on which queue a pass is scheduled.
type PassKind int

const (
	// PassGraphics passes go to the graphics queue.
	PassGraphics PassKind = iota
	// PassCompute passes go to the dedicated compute queue if one was
	// configured, otherwise to the graphics queue.
	PassCompute
	// PassTransfer passes go to the dedicated transfer queue if one was
	// configured, otherwise to the graphics queue.
	PassTransfer
	// PassPresent passes go to the present queue. They are synthesized
	// by Frame.Present and always form their own submission batch.
	PassPresent
)

func (k PassKind) String() string {
	switch k {
	case PassGraphics:
		return "graphics"
	case PassCompute:
		return "compute"
	case PassTransfer:
		return "transfer"
	case PassPresent:
		return "present"
	default:
		return "unknown"
	}
}

// RecordFunc writes API commands into a command buffer. It runs once,
// at submission time, after the pass's pipeline barriers have been
// recorded into the same command buffer.
type RecordFunc func(cb CommandBuffer)

// Pass is the smallest scheduling unit of a frame: a queue assignment,
// a set of resource accesses, and a command-recording closure. Passes
// are created by Frame.AddPass, which also resolves the pass's barriers
// and wait set; the returned *Pass is a read-only handle for inspection.
type Pass struct {
	name  string
	index int
	kind  PassKind
	snn   SubmissionNumber

	accesses []Access

	preds []int
	succs []int

	// signalTimeline forces a timeline signal after this pass, because
	// a pass on another queue waits on its serial.
	signalTimeline bool

	// Pre-execution synchronization, resolved at AddPass time.
	srcStages      vk.PipelineStageFlags
	dstStages      vk.PipelineStageFlags
	imageBarriers  []ImageBarrier
	bufferBarriers []BufferBarrier
	globalBarrier  *MemoryBarrier

	waitSerials   QueueSerialVector
	waitDstStages [MaxQueues]vk.PipelineStageFlags
	waits         []SemaphoreWait

	// record is one-shot; it is taken out of the pass at submission.
	record RecordFunc

	// present parameters, set only for PassPresent.
	presentSwapchain  SwapchainHandle
	presentImageIndex uint32
}

// Name returns the debug name of the pass.
func (p *Pass) Name() string { return p.name }

// Kind returns the pass kind.
func (p *Pass) Kind() PassKind { return p.kind }

// SNN returns the submission number assigned on append.
func (p *Pass) SNN() SubmissionNumber { return p.snn }

// Queue returns the queue index the pass is submitted on.
func (p *Pass) Queue() int { return p.snn.Queue() }

// Index returns the position of the pass within its frame.
func (p *Pass) Index() int { return p.index }

// Predecessors returns the frame indices of passes this pass depends on.
func (p *Pass) Predecessors() []int { return p.preds }

// Successors returns the frame indices of passes depending on this pass.
func (p *Pass) Successors() []int { return p.succs }

// SignalsTimeline reports whether a timeline signal is required after
// this pass because another queue waits on it.
func (p *Pass) SignalsTimeline() bool { return p.signalTimeline }

// WaitSerials returns the per-queue serials this pass waits on before
// execution.
func (p *Pass) WaitSerials() QueueSerialVector { return p.waitSerials }

// WaitDstStages returns, per queue, the stages blocked by the
// corresponding timeline wait.
func (p *Pass) WaitDstStages() [MaxQueues]vk.PipelineStageFlags { return p.waitDstStages }

// SemaphoreWaits returns the binary semaphores this pass consumes.
func (p *Pass) SemaphoreWaits() []SemaphoreWait { return p.waits }

// Barrier returns the pipeline barrier executed before the pass, or a
// zero barrier if no synchronization is needed.
func (p *Pass) Barrier() Barrier {
	return Barrier{
		SrcStages: p.srcStages,
		DstStages: p.dstStages,
		Global:    p.globalBarrier,
		Buffers:   p.bufferBarriers,
		Images:    p.imageBarriers,
	}
}

// addPred records a dependency edge, deduplicated.
func (p *Pass) addPred(src *Pass) {
	for _, i := range p.preds {
		if i == src.index {
			return
		}
	}
	p.preds = append(p.preds, src.index)
	src.succs = append(src.succs, p.index)
}

// imageBarrierFor returns the image memory barrier of this pass for the
// given image, creating it if necessary so that multiple accesses to the
// same image merge into one barrier.
func (p *Pass) imageBarrierFor(h ImageHandle, format vk.Format) *ImageBarrier {
	for i := range p.imageBarriers {
		if p.imageBarriers[i].Image == h {
			return &p.imageBarriers[i]
		}
	}
	p.imageBarriers = append(p.imageBarriers, ImageBarrier{Image: h, Format: format})
	return &p.imageBarriers[len(p.imageBarriers)-1]
}

// bufferBarrierFor returns the buffer memory barrier of this pass for
// the given buffer, creating it if necessary.
func (p *Pass) bufferBarrierFor(h BufferHandle) *BufferBarrier {
	for i := range p.bufferBarriers {
		if p.bufferBarriers[i].Buffer == h {
			return &p.bufferBarriers[i]
		}
	}
	p.bufferBarriers = append(p.bufferBarriers, BufferBarrier{Buffer: h})
	return &p.bufferBarriers[len(p.bufferBarriers)-1]
}

// globalBarrierRef returns the global memory barrier, creating it if
// necessary.
func (p *Pass) globalBarrierRef() *MemoryBarrier {
	if p.globalBarrier == nil {
		p.globalBarrier = &MemoryBarrier{}
	}
	return p.globalBarrier
}
