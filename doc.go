// Package vkgraph provides a Vulkan frame engine with automatic
// synchronization.
//
// # Overview
//
// vkgraph tracks every registered image and buffer across frames and
// queues. Applications declare passes and the resources each pass
// accesses; the engine infers the dependencies and synthesizes the
// pipeline barriers, image layout transitions and timeline-semaphore
// waits that Vulkan requires, batches passes into command buffers and
// queue submissions, and retires frames in the background so transient
// resources and command pools are recycled only after the GPU is done
// with them.
//
// # Quick Start
//
//	import (
//		vk "github.com/goki/vulkan"
//
//		"github.com/vkgraph/vkgraph"
//		"github.com/vkgraph/vkgraph/backend"
//		_ "github.com/vkgraph/vkgraph/backend/vulkan"
//	)
//
//	drv, _ := backend.Default()
//	dev, _ := vkgraph.NewDevice(drv)
//	defer dev.Close()
//
//	img, _ := dev.CreateImage("target", vkgraph.ImageDesc{...}, vkgraph.MemoryDeviceLocal)
//
//	frame, _ := dev.BeginFrame()
//	frame.AddPass("draw", vkgraph.PassGraphics, []vkgraph.Access{{
//		Resource:     img.ID,
//		AccessMask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
//		StageMask:    vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
//		InputLayout:  vk.ImageLayoutColorAttachmentOptimal,
//		OutputLayout: vk.ImageLayoutColorAttachmentOptimal,
//	}}, func(cb vkgraph.CommandBuffer) {
//		// record commands
//	})
//	frame.End()
//
// # Architecture
//
// The package splits into:
//   - Resource registry: stable IDs, per-resource tracking state,
//     deferred destruction, resource groups.
//   - Frame builder: AddPass infers dependencies from declared accesses
//     and places barriers and semaphore waits on the right passes.
//   - Submission: consecutive same-queue passes share command buffers;
//     batches signal per-queue timeline semaphores.
//   - Retirement: a background worker waits for timelines, then frees
//     transients and recycles pools and semaphores.
//   - Backends: backend/vulkan drives a real device, backend/null is a
//     deterministic in-memory driver for tests.
//
// Passes within a frame form a DAG ordered by submission number; the
// per-queue serial vectors give a partial order across queues, so the
// engine knows exactly which prior work a new access must wait on.
//
// # Swapchains
//
// The engine never creates native swapchains. Create one with the
// windowing layer (or backend/vulkan's CreateSwapchain helper), then
// register its images with Device.NewSwapchain. Swapchain.Acquire
// attaches the acquire semaphore to the image so the first pass that
// touches it waits automatically, and Frame.Present appends a present
// pass that signals the present engine through a pooled binary
// semaphore.
package vkgraph
