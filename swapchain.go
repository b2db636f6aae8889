package vkgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	vk "github.com/goki/vulkan"
)

// Swapchain places a native swapchain's images under engine tracking.
// The images are registered as Referenced resources: the engine
// synchronizes accesses to them but never destroys the handles, which
// belong to the swapchain.
//
// The engine never creates the native swapchain itself; windowing and
// surface setup stay with the application (or a backend helper), which
// then hands the handle and image list to NewSwapchain.
type Swapchain struct {
	dev    *Device
	handle SwapchainHandle
	format vk.Format
	images []ResourceID
}

// AcquiredImage is a swapchain image the presentation engine has handed
// over for rendering. The first pass accessing it consumes the acquire
// semaphore automatically.
type AcquiredImage struct {
	// ID of the image resource under tracking.
	ID ResourceID
	// Handle of the native image.
	Handle ImageHandle
	// Index of the image within the swapchain.
	Index uint32

	swapchain SwapchainHandle
}

// NewSwapchain registers the swapchain's images and returns the
// tracking wrapper. Image layouts start as undefined; the first access
// in a frame transitions them.
func (d *Device) NewSwapchain(handle SwapchainHandle, format vk.Format, images []ImageHandle) *Swapchain {
	sc := &Swapchain{dev: d, handle: handle, format: format}
	for i, h := range images {
		id := d.RegisterImage(
			fmt.Sprintf("swapchain image %d", i),
			h, format, vk.ImageLayoutUndefined, Referenced, nil)
		sc.images = append(sc.images, id)
	}
	Logger().Info("swapchain registered",
		slog.Uint64("handle", uint64(handle)),
		slog.Int("images", len(images)))
	return sc
}

// Handle returns the native swapchain handle.
func (sc *Swapchain) Handle() SwapchainHandle { return sc.handle }

// Images returns the resource IDs of the swapchain images.
func (sc *Swapchain) Images() []ResourceID { return append([]ResourceID(nil), sc.images...) }

// Acquire obtains the next presentable image. The acquire semaphore is
// attached to the image's tracking state as a pending wait; the first
// pass that accesses the image waits on it, and the engine recycles the
// semaphore once that frame retires.
//
// ErrSwapchainSuboptimal is returned together with a usable image; the
// caller should recreate the swapchain at a convenient point.
// ErrSwapchainOutOfDate means no image was acquired and the swapchain
// must be recreated before rendering continues.
func (sc *Swapchain) Acquire(timeout time.Duration) (AcquiredImage, error) {
	d := sc.dev
	if err := d.checkAlive(); err != nil {
		return AcquiredImage{}, err
	}

	sem, err := d.CreateSemaphore()
	if err != nil {
		return AcquiredImage{}, fmt.Errorf("vkgraph: creating acquire semaphore: %w", err)
	}

	idx, err := d.drv.AcquireNextImage(sc.handle, sem, timeout)
	if err != nil && !errors.Is(err, ErrSwapchainSuboptimal) {
		// Nothing was acquired, so the semaphore is still unsignalled
		// and safe to pool.
		d.DestroySemaphore(sem)
		d.noteLost(err)
		return AcquiredImage{}, err
	}
	suboptimal := err

	if int(idx) >= len(sc.images) {
		d.DestroySemaphore(sem)
		return AcquiredImage{}, fmt.Errorf("vkgraph: acquire returned image index %d of %d", idx, len(sc.images))
	}
	id := sc.images[idx]

	d.mu.Lock()
	r, ok := d.resources[id]
	var handle ImageHandle
	if ok {
		if r.tracking.waitSemaphore != 0 {
			// The previous acquire of this image was never consumed by a
			// pass. Its semaphore may still be pending a signal; leak it
			// rather than recycle a semaphore in an unknown state.
			Logger().Warn("acquire: dropping unconsumed acquire semaphore",
				slog.Uint64("image", uint64(id)))
		}
		r.tracking.waitSemaphore = sem
		r.tracking.waitStages = 0
		r.tracking.waitOwned = true
		handle = r.image
	}
	d.mu.Unlock()
	if !ok {
		d.DestroySemaphore(sem)
		return AcquiredImage{}, fmt.Errorf("%w: swapchain image %d", ErrUnknownResource, id)
	}

	return AcquiredImage{ID: id, Handle: handle, Index: idx, swapchain: sc.handle}, suboptimal
}

// Recreate swaps the tracked image set for the images of a rebuilt
// native swapchain. The old registrations are destroyed (the engine
// never owned the native handles) and the new images are registered
// fresh. The caller must have waited for all frames using the old
// images before destroying the native swapchain.
func (sc *Swapchain) Recreate(handle SwapchainHandle, images []ImageHandle) {
	d := sc.dev
	for _, id := range sc.images {
		if err := d.Destroy(id); err != nil {
			Logger().Warn("swapchain recreate: releasing old image",
				slog.Uint64("id", uint64(id)), slog.Any("error", err))
		}
	}
	sc.handle = handle
	sc.images = sc.images[:0]
	for i, h := range images {
		id := d.RegisterImage(
			fmt.Sprintf("swapchain image %d", i),
			h, sc.format, vk.ImageLayoutUndefined, Referenced, nil)
		sc.images = append(sc.images, id)
	}
	Logger().Info("swapchain recreated",
		slog.Uint64("handle", uint64(handle)),
		slog.Int("images", len(images)))
}

// Close releases the image registrations. The native swapchain itself
// is destroyed by whoever created it.
func (sc *Swapchain) Close() {
	for _, id := range sc.images {
		if err := sc.dev.Destroy(id); err != nil {
			Logger().Warn("swapchain close: releasing image",
				slog.Uint64("id", uint64(id)), slog.Any("error", err))
		}
	}
	sc.images = nil
}

// Present appends a present pass for an acquired image. The pass reads
// the image on the present queue and transitions it to the present
// layout; at submission it closes its batch, which signals a pooled
// binary semaphore for the present operation and the queue timeline at
// the pass's serial, so frames reusing the image can wait on it.
func (f *Frame) Present(img AcquiredImage) (*Pass, error) {
	access := Access{
		Resource:     img.ID,
		AccessMask:   vk.AccessFlags(vk.AccessMemoryReadBit),
		StageMask:    vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		InputLayout:  vk.ImageLayoutPresentSrc,
		OutputLayout: vk.ImageLayoutPresentSrc,
	}
	p, err := f.AddPass("present", PassPresent, []Access{access}, nil)
	if err != nil {
		return nil, err
	}
	p.presentSwapchain = img.swapchain
	p.presentImageIndex = img.Index
	return p, nil
}
