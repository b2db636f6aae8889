package vkgraph

import (
	"errors"
	"fmt"
	"log/slog"

	vk "github.com/goki/vulkan"
)

// commandAllocator wraps a native command pool for one queue and reuses
// its command buffers across frames. Pools cycle between the device's
// free lists and in-flight frames; a pool is reset and returned to the
// free list by the retirement of the frame that used it.
type commandAllocator struct {
	queue int
	pool  CommandPoolHandle
	free  []CommandBuffer
	used  []CommandBuffer
}

// allocate hands out a command buffer, recycling a free one if possible.
func (a *commandAllocator) allocate(drv Driver) (CommandBuffer, error) {
	if n := len(a.free); n > 0 {
		cb := a.free[n-1]
		a.free = a.free[:n-1]
		a.used = append(a.used, cb)
		return cb, nil
	}
	cb, err := drv.AllocateCommandBuffer(a.pool)
	if err != nil {
		return 0, err
	}
	a.used = append(a.used, cb)
	return cb, nil
}

// reset resets the pool and moves all buffers back to the free list.
func (a *commandAllocator) reset(drv Driver) error {
	if err := drv.ResetCommandPool(a.pool); err != nil {
		return err
	}
	a.free = append(a.free, a.used...)
	a.used = a.used[:0]
	return nil
}

// commandAllocatorFor returns a recycled allocator for the queue, or
// creates a fresh one.
func (d *Device) commandAllocatorFor(q int) (*commandAllocator, error) {
	d.mu.Lock()
	if n := len(d.poolsByQueue[q]); n > 0 {
		a := d.poolsByQueue[q][n-1]
		d.poolsByQueue[q] = d.poolsByQueue[q][:n-1]
		d.mu.Unlock()
		return a, nil
	}
	d.mu.Unlock()

	pool, err := d.drv.CreateCommandPool(q)
	if err != nil {
		return nil, err
	}
	return &commandAllocator{queue: q, pool: pool}, nil
}

// commandBatch accumulates consecutive same-queue passes into one queue
// submission. A batch holds at most one timeline wait set (from its
// first pass) and one timeline signal (at the serial of its last pass).
type commandBatch struct {
	waitSerials    QueueSerialVector
	waitDstStages  [MaxQueues]vk.PipelineStageFlags
	signalSNN      SubmissionNumber
	waits          []SemaphoreWait
	signalBinary   []SemaphoreHandle
	commandBuffers []CommandBuffer
}

// empty reports whether the batch would be a no-op submission. A batch
// with no command buffers may still be submitted to sequence a timeline
// wait with a binary signal (swapchain presents of images produced on
// another queue).
func (b *commandBatch) empty() bool {
	return len(b.commandBuffers) == 0 && !b.signalSNN.IsValid() && len(b.signalBinary) == 0
}

func (b *commandBatch) reset() {
	b.waitSerials = QueueSerialVector{}
	b.waitDstStages = [MaxQueues]vk.PipelineStageFlags{}
	b.signalSNN = 0
	b.waits = b.waits[:0]
	b.signalBinary = b.signalBinary[:0]
	b.commandBuffers = b.commandBuffers[:0]
}

// submitBatch ends the batch's command buffers and submits them to the
// queue, wiring up timeline waits, binary waits and the batch signal.
// Owned binary semaphores waited on are appended to used for recycling
// once the frame retires.
func (d *Device) submitBatch(q int, b *commandBatch, used *[]SemaphoreHandle) error {
	if b.empty() {
		return nil
	}

	for _, cb := range b.commandBuffers {
		if err := d.drv.EndCommandBuffer(cb); err != nil {
			return fmt.Errorf("vkgraph: ending command buffer: %w", err)
		}
	}

	sub := Submission{
		CommandBuffers: b.commandBuffers,
		SignalBinary:   b.signalBinary,
	}
	d.mu.Lock()
	for iq := 0; iq < MaxQueues; iq++ {
		if b.waitSerials[iq] != 0 {
			sub.WaitTimelines = append(sub.WaitTimelines, TimelineOp{
				Semaphore: d.timelines[iq],
				Value:     b.waitSerials[iq],
				DstStages: b.waitDstStages[iq],
			})
		}
	}
	timeline := d.timelines[q]
	d.mu.Unlock()

	for _, w := range b.waits {
		sub.WaitBinary = append(sub.WaitBinary, BinaryWait{Semaphore: w.Semaphore, DstStages: w.DstStages})
		if w.Owned {
			// Not reusable yet: the signal may still be pending on
			// another queue. Recycled when the frame retires.
			*used = append(*used, w.Semaphore)
		}
	}

	if b.signalSNN.Serial() > 0 {
		sub.SignalTimeline = &TimelineOp{Semaphore: timeline, Value: b.signalSNN.Serial()}
	}

	if err := d.drv.Submit(q, &sub); err != nil {
		d.noteLost(err)
		return fmt.Errorf("vkgraph: queue %d submit: %w", q, err)
	}

	if b.signalSNN.Serial() > 0 {
		d.mu.Lock()
		if b.signalSNN.Serial() > d.lastSignalled[q] {
			d.lastSignalled[q] = b.signalSNN.Serial()
		}
		d.mu.Unlock()
	}

	Logger().Debug("batch submitted",
		slog.Int("queue", q),
		slog.Int("commandBuffers", len(b.commandBuffers)),
		slog.String("signal", b.signalSNN.String()),
		slog.Int("binaryWaits", len(b.waits)))
	b.reset()
	return nil
}

// recordPassCommands allocates or reuses the batch's command buffer,
// records the pass's pipeline barrier and runs its record callback.
func (d *Device) recordPassCommands(p *Pass, batch *commandBatch, alloc *commandAllocator) error {
	if len(batch.commandBuffers) == 0 {
		cb, err := alloc.allocate(d.drv)
		if err != nil {
			return fmt.Errorf("vkgraph: allocating command buffer: %w", err)
		}
		if err := d.drv.BeginCommandBuffer(cb); err != nil {
			return fmt.Errorf("vkgraph: beginning command buffer: %w", err)
		}
		batch.commandBuffers = append(batch.commandBuffers, cb)
	}
	cb := batch.commandBuffers[len(batch.commandBuffers)-1]

	barrier := p.Barrier()
	if !barrier.IsZero() {
		// Empty stage masks are not valid at the API level.
		if barrier.SrcStages == 0 {
			barrier.SrcStages = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
		}
		if barrier.DstStages == 0 {
			barrier.DstStages = vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
		}
		d.drv.CmdPipelineBarrier(cb, &barrier)
	}

	if rec := p.record; rec != nil {
		p.record = nil
		rec(cb)
	}
	return nil
}

// End resolves the frame into per-queue submission batches, hands them
// to the driver, merges the staged resource states back into the
// registry and schedules the frame's retirement. The returned
// Retirement completes once every queue has finished the frame's work.
//
// A swapchain error from a present (ErrSwapchainOutOfDate,
// ErrSwapchainSuboptimal) is returned together with a valid Retirement:
// the frame was submitted and must still be waited on before the
// swapchain is recreated.
func (f *Frame) End() (*Retirement, error) {
	if f.done {
		return nil, fmt.Errorf("%w: frame %d already ended", ErrInvalidAccess, f.number)
	}
	if f.err != nil {
		return nil, ErrFramePoisoned
	}
	d := f.dev
	if err := d.checkAlive(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	completed := d.completed
	d.mu.Unlock()

	var (
		batches    [MaxQueues]commandBatch
		allocators [MaxQueues]*commandAllocator
		usedSems   []SemaphoreHandle
		firstOnQ   = [MaxQueues]bool{true, true, true, true}
		presentErr error
	)

	fail := func(err error) (*Retirement, error) {
		f.fail(err)
		return nil, err
	}

	for _, p := range f.passes {
		q := p.snn.Queue()

		waitSerials := p.waitSerials
		if firstOnQ[q] && !f.waitInit.LessOrEqual(completed) {
			waitSerials = waitSerials.Join(f.waitInit)
		}
		firstOnQ[q] = false

		needsWait := !waitSerials.LessOrEqual(completed) || len(p.waits) > 0
		if needsWait {
			// A wait starts a fresh batch; flush our queue and every
			// queue whose serial the pass waits on, so the signals the
			// wait depends on are actually submitted.
			for iq := 0; iq < MaxQueues; iq++ {
				if !batches[iq].empty() && (iq == q || p.waitSerials[iq] != 0) {
					if err := d.submitBatch(iq, &batches[iq], &usedSems); err != nil {
						return fail(err)
					}
				}
			}
		}

		batch := &batches[q]
		if needsWait {
			batch.waitSerials = waitSerials
			batch.waitDstStages = p.waitDstStages
			batch.waits = append(batch.waits[:0], p.waits...)
		}

		if allocators[q] == nil {
			a, err := d.commandAllocatorFor(q)
			if err != nil {
				return fail(fmt.Errorf("vkgraph: creating command pool for queue %d: %w", q, err))
			}
			allocators[q] = a
		}

		if err := d.recordPassCommands(p, batch, allocators[q]); err != nil {
			return fail(err)
		}

		if p.kind == PassPresent {
			// The presentation engine cannot wait on timelines, so the
			// batch signals a pooled binary semaphore and the present
			// waits on that. The batch still signals the timeline at the
			// present pass's serial: the pass is the image's last tracked
			// access, and later frames wait on that serial when they reuse
			// the image.
			renderFinished, err := d.CreateSemaphore()
			if err != nil {
				return fail(fmt.Errorf("vkgraph: creating present semaphore: %w", err))
			}
			batch.signalSNN = p.snn
			batch.signalBinary = append(batch.signalBinary, renderFinished)
			if err := d.submitBatch(q, batch, &usedSems); err != nil {
				return fail(err)
			}
			err = d.drv.Present(q, p.presentSwapchain, p.presentImageIndex, renderFinished)
			usedSems = append(usedSems, renderFinished)
			if err != nil {
				if errors.Is(err, ErrSwapchainOutOfDate) || errors.Is(err, ErrSwapchainSuboptimal) {
					// Not fatal: the frame executes regardless, only the
					// swapchain needs recreation. First error wins.
					if presentErr == nil {
						presentErr = err
					}
				} else {
					d.noteLost(err)
					return fail(fmt.Errorf("vkgraph: present on queue %d: %w", q, err))
				}
			}
			continue
		}

		// Pass serials increase monotonically, so the last pass recorded
		// into the batch defines its timeline signal value.
		batch.signalSNN = p.snn

		if p.signalTimeline {
			if err := d.submitBatch(q, batch, &usedSems); err != nil {
				return fail(err)
			}
		}
	}

	for q := 0; q < MaxQueues; q++ {
		if err := d.submitBatch(q, &batches[q], &usedSems); err != nil {
			return fail(err)
		}
	}

	f.done = true

	// Merge the staged tracking states back into the registry; only now
	// do other frames observe this frame's accesses.
	d.mu.Lock()
	for _, fr := range f.staging {
		fr.res.tracking = fr.state
	}
	for _, fg := range f.groupStaging {
		if fg.grp != nil {
			fg.grp.state = fg.state
		}
	}
	signalled := d.lastSignalled
	d.frameOpen = false

	var pools []*commandAllocator
	for q := 0; q < MaxQueues; q++ {
		if allocators[q] != nil {
			pools = append(pools, allocators[q])
		}
	}
	ret := d.scheduleRetirementLocked(signalled, f.transients, pools, usedSems)
	d.mu.Unlock()

	Logger().Debug("frame submitted",
		slog.Uint64("frame", uint64(f.number)),
		slog.Int("passes", len(f.passes)),
		slog.String("signalled", fmt.Sprint(signalled)))

	d.paceFrames()

	return ret, presentErr
}
