// Command vkgraph-demo opens an SDL window and drives the frame engine
// against a real Vulkan device: each frame uploads a CPU-rendered image
// into the acquired swapchain image with a transfer pass and presents
// it. It exercises acquire semaphores, layout transitions, deferred
// destruction and swapchain recreation on window resize.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/veandco/go-sdl2/sdl"
	"golang.org/x/image/draw"

	"github.com/vkgraph/vkgraph"
	vkbackend "github.com/vkgraph/vkgraph/backend/vulkan"
)

var (
	width     = flag.Int("width", 800, "window width")
	height    = flag.Int("height", 600, "window height")
	imagePath = flag.String("image", "", "PNG to display (procedural gradient if empty)")
	verbose   = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		vkgraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vkgraph-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return fmt.Errorf("initializing SDL: %w", err)
	}
	defer sdl.Quit()

	win, err := sdl.CreateWindow("vkgraph demo",
		sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(*width), int32(*height),
		sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return fmt.Errorf("creating window: %w", err)
	}
	defer win.Destroy()

	vk.SetGetInstanceProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err := vk.Init(); err != nil {
		return fmt.Errorf("initializing Vulkan loader: %w", err)
	}

	drv, err := vkbackend.New(
		vkbackend.WithExternalLoader(),
		vkbackend.WithAppName("vkgraph demo"),
		vkbackend.WithInstanceExtensions(win.VulkanGetInstanceExtensions()...),
	)
	if err != nil {
		return fmt.Errorf("creating driver: %w", err)
	}
	defer drv.Close()

	surfPtr, err := win.VulkanCreateSurface(drv.Instance())
	if err != nil {
		return fmt.Errorf("creating surface: %w", err)
	}
	surface := vk.SurfaceFromPointer(uintptr(surfPtr))

	dev, err := vkgraph.NewDevice(drv, vkgraph.WithFramesInFlight(2))
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	defer dev.Close()

	app := &demo{win: win, drv: drv, dev: dev, surface: surface}
	if err := app.loadSource(); err != nil {
		return err
	}
	if err := app.buildSwapchain(0); err != nil {
		return err
	}

	for app.pollEvents() {
		if err := app.drawFrame(); err != nil {
			return err
		}
	}
	return nil
}

type demo struct {
	win     *sdl.Window
	drv     *vkbackend.Driver
	dev     *vkgraph.Device
	surface vk.Surface

	source *image.RGBA

	scInfo  vkbackend.SwapchainInfo
	sc      *vkgraph.Swapchain
	staging vkgraph.BufferInfo
	lastRet *vkgraph.Retirement
}

// loadSource decodes the PNG given on the command line, or renders a
// gradient when none was given.
func (a *demo) loadSource() error {
	if *imagePath == "" {
		src := image.NewRGBA(image.Rect(0, 0, 256, 256))
		for y := 0; y < 256; y++ {
			for x := 0; x < 256; x++ {
				src.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(255 - x), A: 255})
			}
		}
		a.source = src
		return nil
	}

	f, err := os.Open(*imagePath)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Copy(rgba, image.Point{}, img, img.Bounds(), draw.Src, nil)
	a.source = rgba
	return nil
}

// buildSwapchain (re)creates the swapchain for the current drawable
// size and the staging buffer holding the scaled frame pixels.
func (a *demo) buildSwapchain(old vkgraph.SwapchainHandle) error {
	// Frames still in flight may reference the old swapchain images;
	// drain them before dropping the registrations.
	if a.lastRet != nil {
		if err := a.lastRet.Wait(5 * time.Second); err != nil {
			return fmt.Errorf("draining frames before swapchain rebuild: %w", err)
		}
	}

	w, h := a.win.VulkanGetDrawableSize()
	info, err := a.drv.CreateSwapchain(vkbackend.SwapchainConfig{
		Surface:      a.surface,
		Width:        uint32(w),
		Height:       uint32(h),
		VSync:        true,
		OldSwapchain: old,
	})
	if err != nil {
		return fmt.Errorf("creating swapchain: %w", err)
	}

	if a.sc == nil {
		a.sc = a.dev.NewSwapchain(info.Handle, info.Format, info.Images)
	} else {
		a.sc.Recreate(info.Handle, info.Images)
	}
	oldInfo := a.scInfo
	a.scInfo = info
	if oldInfo.Handle != 0 {
		a.drv.DestroySwapchain(oldInfo.Handle, oldInfo.Images)
	}

	return a.buildStaging()
}

// buildStaging scales the source image to the swapchain extent, swizzles
// it into the swapchain format byte order and uploads it into a
// host-visible buffer.
func (a *demo) buildStaging() error {
	if a.staging.ID.IsValid() {
		if err := a.dev.Destroy(a.staging.ID); err != nil {
			return err
		}
	}

	w := int(a.scInfo.Extent.Width)
	h := int(a.scInfo.Extent.Height)
	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), a.source, a.source.Bounds(), draw.Src, nil)

	pixels := make([]byte, w*h*4)
	bgra := a.scInfo.Format == vk.FormatB8g8r8a8Srgb || a.scInfo.Format == vk.FormatB8g8r8a8Unorm
	for i := 0; i < len(pixels); i += 4 {
		r, g, b, al := scaled.Pix[i], scaled.Pix[i+1], scaled.Pix[i+2], scaled.Pix[i+3]
		if bgra {
			r, b = b, r
		}
		pixels[i], pixels[i+1], pixels[i+2], pixels[i+3] = r, g, b, al
	}

	buf, err := a.dev.CreateBuffer("frame pixels", vkgraph.BufferDesc{
		Usage: vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit),
		Size:  uint64(len(pixels)),
	}, vkgraph.MemoryHostCoherent)
	if err != nil {
		return fmt.Errorf("creating staging buffer: %w", err)
	}
	if err := a.drv.WriteBuffer(buf.Handle, pixels); err != nil {
		return err
	}
	a.staging = buf
	return nil
}

func (a *demo) pollEvents() bool {
	for ev := sdl.PollEvent(); ev != nil; ev = sdl.PollEvent() {
		switch e := ev.(type) {
		case *sdl.QuitEvent:
			return false
		case *sdl.KeyboardEvent:
			if e.Keysym.Sym == sdl.K_ESCAPE {
				return false
			}
		}
	}
	return true
}

func (a *demo) drawFrame() error {
	img, err := a.sc.Acquire(time.Second)
	if err != nil && !errors.Is(err, vkgraph.ErrSwapchainSuboptimal) {
		if errors.Is(err, vkgraph.ErrSwapchainOutOfDate) {
			return a.buildSwapchain(a.scInfo.Handle)
		}
		return fmt.Errorf("acquire: %w", err)
	}

	frame, err := a.dev.BeginFrame()
	if err != nil {
		return err
	}

	extent := a.scInfo.Extent
	stagingHandle := a.staging.Handle
	imageHandle := img.Handle
	_, err = frame.AddPass("blit", vkgraph.PassTransfer, []vkgraph.Access{
		{
			Resource:   a.staging.ID,
			AccessMask: vk.AccessFlags(vk.AccessTransferReadBit),
			StageMask:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		},
		{
			Resource:     img.ID,
			AccessMask:   vk.AccessFlags(vk.AccessTransferWriteBit),
			StageMask:    vk.PipelineStageFlags(vk.PipelineStageTransferBit),
			InputLayout:  vk.ImageLayoutTransferDstOptimal,
			OutputLayout: vk.ImageLayoutTransferDstOptimal,
		},
	}, func(cb vkgraph.CommandBuffer) {
		region := vk.BufferImageCopy{
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		}
		vk.CmdCopyBufferToImage(a.drv.VkCommandBuffer(cb),
			a.drv.VkBuffer(stagingHandle),
			a.drv.VkImage(imageHandle),
			vk.ImageLayoutTransferDstOptimal,
			1, []vk.BufferImageCopy{region})
	})
	if err != nil {
		frame.Cancel()
		return err
	}

	if _, err := frame.Present(img); err != nil {
		frame.Cancel()
		return err
	}

	ret, err := frame.End()
	if ret != nil {
		a.lastRet = ret
	}
	if errors.Is(err, vkgraph.ErrSwapchainOutOfDate) || errors.Is(err, vkgraph.ErrSwapchainSuboptimal) {
		return a.buildSwapchain(a.scInfo.Handle)
	}
	return err
}
