package vkgraph

import (
	"log/slog"
	"time"
)

// Retirement tracks a submitted frame until its GPU work completes and
// its per-frame objects (transient resources, command pools, consumed
// binary semaphores) have been reclaimed.
type Retirement struct {
	dev     *Device
	serials QueueSerialVector
	done    chan struct{}
}

// Serials returns the per-queue serials the frame signalled. Passing
// them to Frame.After orders a later frame behind this one.
func (r *Retirement) Serials() QueueSerialVector { return r.serials }

// Done returns a channel closed once the frame has fully retired:
// GPU work finished and all per-frame objects reclaimed.
func (r *Retirement) Done() <-chan struct{} { return r.done }

// Wait blocks until the frame's GPU work completes or the timeout
// expires. Reclamation may still be running when Wait returns; use
// Done for that.
func (r *Retirement) Wait(timeout time.Duration) error {
	return r.dev.WaitFor(r.serials, timeout)
}

// retireWaitInterval is how long each retirement wait attempt blocks
// before logging and retrying. Retirement never gives up on a healthy
// device; a frame that takes seconds is a bug worth a log line.
const retireWaitInterval = time.Second

// scheduleRetirementLocked registers the frame as in flight and starts
// its retirement worker. Caller holds d.mu.
func (d *Device) scheduleRetirementLocked(signalled QueueSerialVector, transients []ResourceID, pools []*commandAllocator, sems []SemaphoreHandle) *Retirement {
	fif := &frameInFlight{
		signalled: signalled,
		done:      make(chan struct{}),
	}
	d.inFlight = append(d.inFlight, fif)

	ret := &Retirement{dev: d, serials: signalled, done: fif.done}
	d.retire.Go(func() error {
		d.retireFrame(fif, transients, pools, sems)
		return nil
	})
	return ret
}

// retireFrame blocks until the frame's serials complete, then reclaims
// everything the frame kept alive. It runs on a worker goroutine and
// never fails: on device loss it reclaims host-side objects anyway.
func (d *Device) retireFrame(fif *frameInFlight, transients []ResourceID, pools []*commandAllocator, sems []SemaphoreHandle) {
	for {
		err := d.WaitFor(fif.signalled, retireWaitInterval)
		if err == nil {
			break
		}
		if isDeviceLost(err) {
			Logger().Warn("retirement: device lost, reclaiming without wait",
				slog.String("serials", fif.signalled.String()))
			break
		}
		Logger().Warn("retirement: frame still executing",
			slog.String("serials", fif.signalled.String()),
			slog.Any("error", err))
	}

	for _, id := range transients {
		if err := d.Destroy(id); err != nil {
			// Already destroyed by the user; nothing to do.
			Logger().Debug("retirement: transient already gone", slog.Uint64("id", uint64(id)))
		}
	}

	d.mu.Lock()
	for _, a := range pools {
		if err := a.reset(d.drv); err != nil {
			Logger().Warn("retirement: resetting command pool", slog.Any("error", err))
			d.drv.DestroyCommandPool(a.pool)
			continue
		}
		d.poolsByQueue[a.queue] = append(d.poolsByQueue[a.queue], a)
	}
	d.semaphorePool = append(d.semaphorePool, sems...)
	d.flushZombiesLocked()

	for i, other := range d.inFlight {
		if other == fif {
			d.inFlight = append(d.inFlight[:i], d.inFlight[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	close(fif.done)
	Logger().Debug("frame retired",
		slog.String("serials", fif.signalled.String()),
		slog.Int("transients", len(transients)),
		slog.Int("semaphores", len(sems)))
}

// paceFrames blocks until at most framesInFlight frames remain in
// flight. Called at the end of Frame.End so frame construction stays
// ahead of the device by a bounded amount.
func (d *Device) paceFrames() {
	for {
		d.mu.Lock()
		if len(d.inFlight) <= d.framesInFlight {
			d.mu.Unlock()
			return
		}
		oldest := d.inFlight[0].done
		d.mu.Unlock()
		<-oldest
	}
}
