package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/vkgraph/vkgraph"
)

// SwapchainConfig describes the swapchain to create over a surface.
type SwapchainConfig struct {
	// Surface to present to, created by the windowing layer.
	Surface vk.Surface
	// Width and Height of the window drawable, used when the surface
	// reports no fixed extent.
	Width, Height uint32
	// VSync selects FIFO presentation; otherwise mailbox is preferred
	// with FIFO as fallback.
	VSync bool
	// OldSwapchain, if non-zero, is recycled by the driver.
	OldSwapchain vkgraph.SwapchainHandle
}

// SwapchainInfo is the result of swapchain creation.
type SwapchainInfo struct {
	Handle vkgraph.SwapchainHandle
	Images []vkgraph.ImageHandle
	Format vk.Format
	Extent vk.Extent2D
}

// CreateSwapchain creates a native swapchain over the surface and
// registers its images in the driver's handle tables. Pass the result
// to vkgraph's Device.NewSwapchain to place the images under tracking.
func (d *Driver) CreateSwapchain(cfg SwapchainConfig) (SwapchainInfo, error) {
	var caps vk.SurfaceCapabilities
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(d.gpu, cfg.Surface, &caps); res != vk.Success {
		return SwapchainInfo{}, fmt.Errorf("vulkan: querying surface capabilities: %w", mapResult(res))
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	format, err := d.pickSurfaceFormat(cfg.Surface)
	if err != nil {
		return SwapchainInfo{}, err
	}
	presentMode := d.pickPresentMode(cfg.Surface, cfg.VSync)

	extent := caps.CurrentExtent
	if extent.Width == ^uint32(0) {
		extent = vk.Extent2D{Width: cfg.Width, Height: cfg.Height}
		extent.Width = clamp(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
		extent.Height = clamp(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	}

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	var oldSwapchain vk.Swapchain
	if cfg.OldSwapchain != 0 {
		d.mu.Lock()
		oldSwapchain = d.swapchains[cfg.OldSwapchain]
		d.mu.Unlock()
	}

	createInfo := &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          cfg.Surface,
		MinImageCount:    imageCount,
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		OldSwapchain:     oldSwapchain,
	}
	var swapchain vk.Swapchain
	if res := vk.CreateSwapchain(d.device, createInfo, nil, &swapchain); res != vk.Success {
		return SwapchainInfo{}, fmt.Errorf("vulkan: creating swapchain: %w", mapResult(res))
	}

	var count uint32
	vk.GetSwapchainImages(d.device, swapchain, &count, nil)
	images := make([]vk.Image, count)
	vk.GetSwapchainImages(d.device, swapchain, &count, images)

	d.mu.Lock()
	h := vkgraph.SwapchainHandle(d.newHandle())
	d.swapchains[h] = swapchain
	handles := make([]vkgraph.ImageHandle, count)
	for i, img := range images {
		ih := vkgraph.ImageHandle(d.newHandle())
		// Swapchain images are owned by the swapchain; they appear in
		// the image table without memory so DestroyImage on them is
		// rejected by the missing entry instead of freeing them. They
		// are removed when the swapchain is destroyed.
		d.images[ih] = imageObject{image: img}
		handles[i] = ih
	}
	d.mu.Unlock()

	return SwapchainInfo{Handle: h, Images: handles, Format: format.Format, Extent: extent}, nil
}

// DestroySwapchain destroys a swapchain created by CreateSwapchain and
// unregisters its images. All frames using its images must have retired.
func (d *Driver) DestroySwapchain(h vkgraph.SwapchainHandle, images []vkgraph.ImageHandle) {
	d.mu.Lock()
	swapchain, ok := d.swapchains[h]
	delete(d.swapchains, h)
	for _, ih := range images {
		delete(d.images, ih)
	}
	d.mu.Unlock()
	if ok {
		vk.DestroySwapchain(d.device, swapchain, nil)
	}
}

func (d *Driver) pickSurfaceFormat(surface vk.Surface) (vk.SurfaceFormat, error) {
	var count uint32
	vk.GetPhysicalDeviceSurfaceFormats(d.gpu, surface, &count, nil)
	if count == 0 {
		return vk.SurfaceFormat{}, fmt.Errorf("vulkan: surface reports no formats")
	}
	formats := make([]vk.SurfaceFormat, count)
	vk.GetPhysicalDeviceSurfaceFormats(d.gpu, surface, &count, formats)
	for i := range formats {
		formats[i].Deref()
	}
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Srgb && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f, nil
		}
	}
	return formats[0], nil
}

func (d *Driver) pickPresentMode(surface vk.Surface, vsync bool) vk.PresentMode {
	if vsync {
		return vk.PresentModeFifo
	}
	var count uint32
	vk.GetPhysicalDeviceSurfacePresentModes(d.gpu, surface, &count, nil)
	modes := make([]vk.PresentMode, count)
	vk.GetPhysicalDeviceSurfacePresentModes(d.gpu, surface, &count, modes)
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	// FIFO is the only mode the spec guarantees.
	return vk.PresentModeFifo
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AcquireNextImage implements vkgraph.Driver.
func (d *Driver) AcquireNextImage(sc vkgraph.SwapchainHandle, signal vkgraph.SemaphoreHandle, timeout time.Duration) (uint32, error) {
	d.mu.Lock()
	swapchain, ok := d.swapchains[sc]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vulkan: unknown swapchain %d", sc)
	}
	var idx uint32
	res := vk.AcquireNextImage(d.device, swapchain, timeoutNs(timeout), d.semaphore(signal), vk.NullFence, &idx)
	if res != vk.Success {
		return idx, mapResult(res)
	}
	return idx, nil
}

// Present implements vkgraph.Driver.
func (d *Driver) Present(queue int, sc vkgraph.SwapchainHandle, imageIndex uint32, wait vkgraph.SemaphoreHandle) error {
	if queue < 0 || queue >= len(d.queues) {
		return fmt.Errorf("vulkan: queue %d out of range", queue)
	}
	d.mu.Lock()
	swapchain, ok := d.swapchains[sc]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vulkan: unknown swapchain %d", sc)
	}
	presentInfo := &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{d.semaphore(wait)},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{swapchain},
		PImageIndices:      []uint32{imageIndex},
	}
	return mapResult(vk.QueuePresent(d.queues[queue].queue, presentInfo))
}
