package vkgraph_test

import (
	"errors"
	"testing"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/vkgraph/vkgraph"
	"github.com/vkgraph/vkgraph/backend/null"
)

func TestNewDeviceClampsQueues(t *testing.T) {
	dev, _ := newTestDevice(t, []null.Option{null.WithQueueCount(3)})
	if got := dev.QueueCount(); got != 3 {
		t.Errorf("QueueCount() = %d, want 3", got)
	}
}

func TestQueueFallbackWithoutDedicatedQueues(t *testing.T) {
	// One hardware queue: every pass kind lands on queue 0 even when
	// dedicated queues were requested.
	dev, _ := newTestDevice(t, nil,
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true, Transfer: true}))
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	defer f.Cancel()
	g := addPass(t, f, "gfx", vkgraph.PassGraphics, transferWrite(buf.ID))
	c := addPass(t, f, "comp", vkgraph.PassCompute, storageRead(buf.ID))
	x := addPass(t, f, "xfer", vkgraph.PassTransfer, storageRead(buf.ID))
	if g.Queue() != 0 || c.Queue() != 0 || x.Queue() != 0 {
		t.Errorf("queues = %d,%d,%d, want all 0", g.Queue(), c.Queue(), x.Queue())
	}
}

func TestWaitForTimeout(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	err := dev.WaitFor(vkgraph.QueueSerialVector{1}, 10*time.Millisecond)
	if !errors.Is(err, vkgraph.ErrTimeout) {
		t.Errorf("WaitFor(unreached) = %v, want ErrTimeout", err)
	}
}

func TestWaitForCompleted(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	addPass(t, f, "work", vkgraph.PassGraphics, transferWrite(buf.ID))
	ret := mustEnd(t, f)

	if err := dev.WaitFor(ret.Serials(), time.Second); err != nil {
		t.Fatalf("WaitFor() = %v", err)
	}
	// A second wait on the same vector is satisfied from the cached
	// completed vector without touching the driver.
	if err := dev.WaitFor(ret.Serials(), 0); err != nil {
		t.Errorf("repeated WaitFor() = %v", err)
	}
	// The zero vector places no constraints.
	if err := dev.WaitFor(vkgraph.QueueSerialVector{}, 0); err != nil {
		t.Errorf("WaitFor(zero) = %v", err)
	}
}

func TestDestroyUnknownResource(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	if err := dev.Destroy(vkgraph.ResourceID(42)); !errors.Is(err, vkgraph.ErrUnknownResource) {
		t.Errorf("Destroy(unknown) = %v, want ErrUnknownResource", err)
	}
}

func TestRegisteredResourceNotOwned(t *testing.T) {
	dev, drv := newTestDevice(t, nil)

	// Referenced resources are tracked but never destroyed by the engine.
	id := dev.RegisterImage("external", vkgraph.ImageHandle(777),
		vk.FormatR8g8b8a8Unorm, vk.ImageLayoutGeneral, vkgraph.Referenced, nil)
	if err := dev.Destroy(id); err != nil {
		t.Fatalf("Destroy() = %v", err)
	}
	if got := drv.DestroyedImages(); len(got) != 0 {
		t.Errorf("engine destroyed referenced image handles: %v", got)
	}
}

func TestRegisterBufferInitialWait(t *testing.T) {
	dev, drv := newTestDevice(t, nil)

	sem, err := drv.CreateSemaphore()
	if err != nil {
		t.Fatalf("CreateSemaphore() = %v", err)
	}
	id := dev.RegisterBuffer("imported", vkgraph.BufferHandle(123), vkgraph.Referenced,
		&vkgraph.SemaphoreWait{Semaphore: sem, DstStages: vk.PipelineStageFlags(vk.PipelineStageTransferBit)})

	f := mustBegin(t, dev)
	defer f.Cancel()
	p, err := f.AddPass("use", vkgraph.PassGraphics, []vkgraph.Access{storageRead(id)}, nil)
	if err != nil {
		t.Fatalf("AddPass() = %v", err)
	}
	waits := p.SemaphoreWaits()
	if len(waits) != 1 || waits[0].Semaphore != sem {
		t.Fatalf("semaphore waits = %+v, want the registered wait", waits)
	}
	if want := vk.PipelineStageFlags(vk.PipelineStageTransferBit); waits[0].DstStages != want {
		t.Errorf("wait DstStages = %v, want %v", waits[0].DstStages, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	drv := null.New()
	dev, err := vkgraph.NewDevice(drv)
	if err != nil {
		t.Fatalf("NewDevice() = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, err := dev.BeginFrame(); !errors.Is(err, vkgraph.ErrDeviceLost) {
		t.Errorf("BeginFrame after Close = %v, want ErrDeviceLost", err)
	}
}

func TestCloseReleasesPendingZombies(t *testing.T) {
	drv := null.New()
	dev, err := vkgraph.NewDevice(drv)
	if err != nil {
		t.Fatalf("NewDevice() = %v", err)
	}
	buf, err := dev.CreateBuffer("buf", vkgraph.BufferDesc{Size: 16}, vkgraph.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	// Never destroyed by the user: Close flushes the registry.
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	found := false
	for _, h := range drv.DestroyedBuffers() {
		if h == buf.Handle {
			found = true
		}
	}
	if !found {
		t.Errorf("Close did not release buffer %d", buf.Handle)
	}
}
