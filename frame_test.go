package vkgraph_test

import (
	"errors"
	"testing"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/vkgraph/vkgraph"
	"github.com/vkgraph/vkgraph/backend/null"
)

func newTestDevice(t *testing.T, drvOpts []null.Option, devOpts ...vkgraph.DeviceOption) (*vkgraph.Device, *null.Driver) {
	t.Helper()
	drv := null.New(drvOpts...)
	dev, err := vkgraph.NewDevice(drv, devOpts...)
	if err != nil {
		t.Fatalf("NewDevice() = %v", err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return dev, drv
}

func mustImage(t *testing.T, dev *vkgraph.Device, name string) vkgraph.ImageInfo {
	t.Helper()
	info, err := dev.CreateImage(name, vkgraph.ImageDesc{
		Usage:  vk.ImageUsageFlags(vk.ImageUsageSampledBit | vk.ImageUsageColorAttachmentBit),
		Format: vk.FormatR8g8b8a8Unorm,
		Width:  4, Height: 4,
	}, vkgraph.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateImage(%q) = %v", name, err)
	}
	return info
}

func mustBuffer(t *testing.T, dev *vkgraph.Device, name string) vkgraph.BufferInfo {
	t.Helper()
	info, err := dev.CreateBuffer(name, vkgraph.BufferDesc{
		Usage: vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit | vk.BufferUsageTransferDstBit),
		Size:  256,
	}, vkgraph.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateBuffer(%q) = %v", name, err)
	}
	return info
}

func mustBegin(t *testing.T, dev *vkgraph.Device) *vkgraph.Frame {
	t.Helper()
	f, err := dev.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame() = %v", err)
	}
	return f
}

func addPass(t *testing.T, f *vkgraph.Frame, name string, kind vkgraph.PassKind, accesses ...vkgraph.Access) *vkgraph.Pass {
	t.Helper()
	p, err := f.AddPass(name, kind, accesses, nil)
	if err != nil {
		t.Fatalf("AddPass(%q) = %v", name, err)
	}
	return p
}

func mustEnd(t *testing.T, f *vkgraph.Frame) *vkgraph.Retirement {
	t.Helper()
	ret, err := f.End()
	if err != nil {
		t.Fatalf("End() = %v", err)
	}
	return ret
}

func colorWrite(id vkgraph.ResourceID) vkgraph.Access {
	return vkgraph.Access{
		Resource:     id,
		AccessMask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
		StageMask:    vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		InputLayout:  vk.ImageLayoutColorAttachmentOptimal,
		OutputLayout: vk.ImageLayoutColorAttachmentOptimal,
	}
}

func sampledRead(id vkgraph.ResourceID) vkgraph.Access {
	return vkgraph.Access{
		Resource:     id,
		AccessMask:   vk.AccessFlags(vk.AccessShaderReadBit),
		StageMask:    vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		InputLayout:  vk.ImageLayoutShaderReadOnlyOptimal,
		OutputLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}
}

func storageRead(id vkgraph.ResourceID) vkgraph.Access {
	return vkgraph.Access{
		Resource:   id,
		AccessMask: vk.AccessFlags(vk.AccessShaderReadBit),
		StageMask:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
	}
}

func transferWrite(id vkgraph.ResourceID) vkgraph.Access {
	return vkgraph.Access{
		Resource:   id,
		AccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
		StageMask:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
	}
}

func TestWriteThenReadSameQueue(t *testing.T) {
	dev, drv := newTestDevice(t, nil)
	img := mustImage(t, dev, "target")

	f := mustBegin(t, dev)
	draw := addPass(t, f, "draw", vkgraph.PassGraphics, colorWrite(img.ID))
	sample := addPass(t, f, "sample", vkgraph.PassGraphics, sampledRead(img.ID))

	// The first touch transitions from undefined; no execution dependency.
	db := draw.Barrier()
	if len(db.Images) != 1 {
		t.Fatalf("draw pass image barriers = %d, want 1", len(db.Images))
	}
	if db.Images[0].OldLayout != vk.ImageLayoutUndefined || db.Images[0].NewLayout != vk.ImageLayoutColorAttachmentOptimal {
		t.Errorf("draw transition = %v -> %v, want undefined -> color attachment",
			db.Images[0].OldLayout, db.Images[0].NewLayout)
	}
	if len(draw.Predecessors()) != 0 {
		t.Errorf("draw predecessors = %v, want none", draw.Predecessors())
	}

	// The read depends on the write: barrier with the writer's stages and
	// access, plus the layout transition.
	sb := sample.Barrier()
	if got, want := sb.SrcStages, vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit); got != want {
		t.Errorf("sample barrier SrcStages = %v, want %v", got, want)
	}
	if got, want := sb.DstStages, vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit); got != want {
		t.Errorf("sample barrier DstStages = %v, want %v", got, want)
	}
	if len(sb.Images) != 1 {
		t.Fatalf("sample pass image barriers = %d, want 1", len(sb.Images))
	}
	ib := sb.Images[0]
	if got, want := ib.SrcAccess, vk.AccessFlags(vk.AccessColorAttachmentWriteBit); got != want {
		t.Errorf("sample barrier SrcAccess = %v, want %v", got, want)
	}
	if got, want := ib.DstAccess, vk.AccessFlags(vk.AccessShaderReadBit); got != want {
		t.Errorf("sample barrier DstAccess = %v, want %v", got, want)
	}
	if ib.OldLayout != vk.ImageLayoutColorAttachmentOptimal || ib.NewLayout != vk.ImageLayoutShaderReadOnlyOptimal {
		t.Errorf("sample transition = %v -> %v", ib.OldLayout, ib.NewLayout)
	}
	if got := sample.Predecessors(); len(got) != 1 || got[0] != draw.Index() {
		t.Errorf("sample predecessors = %v, want [%d]", got, draw.Index())
	}

	mustEnd(t, f)

	// Both passes share one command buffer in one submission, signalling
	// the timeline at the last serial.
	subs := drv.Submissions()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	sub := subs[0]
	if sub.Queue != 0 || len(sub.CommandBuffers) != 1 {
		t.Fatalf("submission queue=%d cbs=%d, want queue 0 with 1 cb", sub.Queue, len(sub.CommandBuffers))
	}
	if sub.SignalTimeline == nil || sub.SignalTimeline.Value != sample.SNN().Serial() {
		t.Errorf("submission signal = %+v, want value %d", sub.SignalTimeline, sample.SNN().Serial())
	}
	if got := drv.Barriers(sub.CommandBuffers[0]); len(got) != 2 {
		t.Errorf("recorded barriers = %d, want 2", len(got))
	}
}

func TestWriteReadWriteChain(t *testing.T) {
	dev, drv := newTestDevice(t, nil)
	img := mustImage(t, dev, "target")

	f := mustBegin(t, dev)
	addPass(t, f, "draw", vkgraph.PassGraphics, colorWrite(img.ID))
	sample := addPass(t, f, "sample", vkgraph.PassGraphics, sampledRead(img.ID))
	redraw := addPass(t, f, "redraw", vkgraph.PassGraphics, colorWrite(img.ID))

	// The second write orders itself after the read and transitions the
	// image back. A read flushes nothing, so the source access is empty.
	rb := redraw.Barrier()
	if got, want := rb.SrcStages, vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit); got != want {
		t.Errorf("redraw barrier SrcStages = %v, want %v", got, want)
	}
	if got, want := rb.DstStages, vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit); got != want {
		t.Errorf("redraw barrier DstStages = %v, want %v", got, want)
	}
	if len(rb.Images) != 1 {
		t.Fatalf("redraw image barriers = %d, want 1", len(rb.Images))
	}
	ib := rb.Images[0]
	if ib.SrcAccess != 0 {
		t.Errorf("redraw barrier SrcAccess = %v, want 0", ib.SrcAccess)
	}
	if got, want := ib.DstAccess, vk.AccessFlags(vk.AccessColorAttachmentWriteBit); got != want {
		t.Errorf("redraw barrier DstAccess = %v, want %v", got, want)
	}
	if ib.OldLayout != vk.ImageLayoutShaderReadOnlyOptimal || ib.NewLayout != vk.ImageLayoutColorAttachmentOptimal {
		t.Errorf("redraw transition = %v -> %v", ib.OldLayout, ib.NewLayout)
	}
	if got := redraw.Predecessors(); len(got) != 1 || got[0] != sample.Index() {
		t.Errorf("redraw predecessors = %v, want [%d]", got, sample.Index())
	}

	mustEnd(t, f)
	// The whole chain stays in one batch: same queue, nothing waits on it.
	if subs := drv.Submissions(); len(subs) != 1 {
		t.Errorf("submissions = %d, want 1", len(subs))
	}
}

func TestReadAfterReadNoSync(t *testing.T) {
	dev, drv := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "lut")

	f := mustBegin(t, dev)
	a := addPass(t, f, "read-a", vkgraph.PassGraphics, storageRead(buf.ID))
	b := addPass(t, f, "read-b", vkgraph.PassGraphics, storageRead(buf.ID))

	if ab := a.Barrier(); !ab.IsZero() {
		t.Errorf("first read carries a barrier: %+v", ab)
	}
	if bb := b.Barrier(); !bb.IsZero() {
		t.Errorf("second read carries a barrier: %+v", bb)
	}
	if len(b.Predecessors()) != 0 {
		t.Errorf("reads are ordered: %v", b.Predecessors())
	}

	mustEnd(t, f)
	if subs := drv.Submissions(); len(subs) != 1 {
		t.Errorf("submissions = %d, want 1", len(subs))
	}
}

func TestCrossQueueTimelineWait(t *testing.T) {
	dev, drv := newTestDevice(t,
		[]null.Option{null.WithQueueCount(2)},
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}))
	buf := mustBuffer(t, dev, "shared")

	f := mustBegin(t, dev)
	produce := addPass(t, f, "produce", vkgraph.PassGraphics, transferWrite(buf.ID))
	consume := addPass(t, f, "consume", vkgraph.PassCompute, storageRead(buf.ID))

	if produce.Queue() == consume.Queue() {
		t.Fatalf("passes share queue %d, want distinct queues", produce.Queue())
	}
	if !produce.SignalsTimeline() {
		t.Error("producer does not signal its timeline")
	}
	if got := consume.WaitSerials()[produce.Queue()]; got != produce.SNN().Serial() {
		t.Errorf("consumer waits on serial %d, want %d", got, produce.SNN().Serial())
	}
	if got := consume.Predecessors(); len(got) != 1 || got[0] != produce.Index() {
		t.Errorf("consumer predecessors = %v, want [%d]", got, produce.Index())
	}
	// Cross-queue dependencies use semaphores, not barriers.
	if cb := consume.Barrier(); !cb.IsZero() {
		t.Errorf("consumer carries a barrier: %+v", cb)
	}

	mustEnd(t, f)

	subs := drv.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	if subs[0].Queue != produce.Queue() || subs[0].SignalTimeline == nil ||
		subs[0].SignalTimeline.Value != produce.SNN().Serial() {
		t.Errorf("producer submission = %+v", subs[0])
	}
	got := subs[1]
	if got.Queue != consume.Queue() {
		t.Errorf("consumer submitted on queue %d, want %d", got.Queue, consume.Queue())
	}
	if len(got.WaitTimelines) != 1 {
		t.Fatalf("consumer timeline waits = %d, want 1", len(got.WaitTimelines))
	}
	w := got.WaitTimelines[0]
	if w.Value != produce.SNN().Serial() {
		t.Errorf("consumer waits value %d, want %d", w.Value, produce.SNN().Serial())
	}
	if want := vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit); w.DstStages != want {
		t.Errorf("consumer wait DstStages = %v, want %v", w.DstStages, want)
	}
}

func TestCrossQueueWaitDeduplicated(t *testing.T) {
	dev, drv := newTestDevice(t,
		[]null.Option{null.WithQueueCount(2)},
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}))
	bufA := mustBuffer(t, dev, "a")
	bufB := mustBuffer(t, dev, "b")

	f := mustBegin(t, dev)
	addPass(t, f, "produce", vkgraph.PassGraphics, transferWrite(bufA.ID), transferWrite(bufB.ID))
	consume := addPass(t, f, "consume", vkgraph.PassCompute, storageRead(bufA.ID), storageRead(bufB.ID))
	mustEnd(t, f)

	subs := drv.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	// Both reads come from the same producer serial; one wait suffices.
	if n := len(subs[1].WaitTimelines); n != 1 {
		t.Errorf("consumer timeline waits = %d, want 1", n)
	}
	if len(consume.Predecessors()) != 1 {
		t.Errorf("consumer predecessors = %v, want one edge", consume.Predecessors())
	}
}

func TestWriteWaitsForCrossQueueReaders(t *testing.T) {
	dev, _ := newTestDevice(t,
		[]null.Option{null.WithQueueCount(2)},
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}))
	buf := mustBuffer(t, dev, "shared")

	f := mustBegin(t, dev)
	addPass(t, f, "produce", vkgraph.PassGraphics, transferWrite(buf.ID))
	read := addPass(t, f, "consume", vkgraph.PassCompute, storageRead(buf.ID))
	write := addPass(t, f, "overwrite", vkgraph.PassGraphics, transferWrite(buf.ID))

	// The overwrite races the compute-queue read unless it waits on the
	// reader's serial.
	if !read.SignalsTimeline() {
		t.Error("cross-queue reader does not signal its timeline")
	}
	if got := write.WaitSerials()[read.Queue()]; got != read.SNN().Serial() {
		t.Errorf("overwrite waits on %d:%d, want %d:%d",
			read.Queue(), got, read.Queue(), read.SNN().Serial())
	}
	if got := write.Predecessors(); len(got) != 1 || got[0] != read.Index() {
		t.Errorf("overwrite predecessors = %v, want [%d]", got, read.Index())
	}
	mustEnd(t, f)
}

func TestWriteAfterRead(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "scratch")

	f := mustBegin(t, dev)
	read := addPass(t, f, "read", vkgraph.PassGraphics, storageRead(buf.ID))
	write := addPass(t, f, "overwrite", vkgraph.PassGraphics, transferWrite(buf.ID))

	// The writer must order itself after the reader; there is nothing to
	// flush, so the barrier is execution-only.
	if got := write.Predecessors(); len(got) != 1 || got[0] != read.Index() {
		t.Errorf("writer predecessors = %v, want [%d]", got, read.Index())
	}
	wb := write.Barrier()
	if len(wb.Buffers) != 1 {
		t.Fatalf("writer buffer barriers = %d, want 1", len(wb.Buffers))
	}
	if wb.Buffers[0].SrcAccess != 0 {
		t.Errorf("write-after-read SrcAccess = %v, want 0", wb.Buffers[0].SrcAccess)
	}
	if got, want := wb.Buffers[0].DstAccess, vk.AccessFlags(vk.AccessTransferWriteBit); got != want {
		t.Errorf("write-after-read DstAccess = %v, want %v", got, want)
	}
	mustEnd(t, f)
}

func TestBarrierHoisting(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	bufA := mustBuffer(t, dev, "a")
	bufB := mustBuffer(t, dev, "b")

	f := mustBegin(t, dev)
	produce := addPass(t, f, "produce", vkgraph.PassGraphics, transferWrite(bufA.ID), transferWrite(bufB.ID))
	first := addPass(t, f, "consume-a", vkgraph.PassGraphics, storageRead(bufA.ID))
	second := addPass(t, f, "consume-b", vkgraph.PassGraphics, storageRead(bufB.ID))

	// The second consumer's dependency is covered by the first consumer's
	// barrier (same stage masks, same queue), so its buffer barrier is
	// hoisted there and the pass itself needs nothing.
	if got := len(first.Barrier().Buffers); got != 2 {
		t.Errorf("first consumer buffer barriers = %d, want 2 after hoisting", got)
	}
	if sb := second.Barrier(); !sb.IsZero() {
		t.Errorf("second consumer carries a barrier: %+v", sb)
	}
	if got := second.Predecessors(); len(got) != 1 || got[0] != produce.Index() {
		t.Errorf("second consumer predecessors = %v, want [%d]", got, produce.Index())
	}
	mustEnd(t, f)
}

func TestVisibleWriteSkipsBarrier(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	img := mustImage(t, dev, "target")

	f := mustBegin(t, dev)
	addPass(t, f, "draw", vkgraph.PassGraphics, colorWrite(img.ID))
	addPass(t, f, "sample", vkgraph.PassGraphics, sampledRead(img.ID))
	// The first sample made the write visible to shader reads and left the
	// layout in place; a second identical read needs no synchronization.
	again := addPass(t, f, "sample-again", vkgraph.PassGraphics, sampledRead(img.ID))

	if ab := again.Barrier(); !ab.IsZero() {
		t.Errorf("repeated read carries a barrier: %+v", ab)
	}
	if len(again.Predecessors()) != 0 {
		t.Errorf("repeated read is ordered: %v", again.Predecessors())
	}
	mustEnd(t, f)
}

func TestSignalSplitsBatch(t *testing.T) {
	dev, drv := newTestDevice(t,
		[]null.Option{null.WithQueueCount(2)},
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}))
	buf := mustBuffer(t, dev, "shared")
	other := mustBuffer(t, dev, "local")

	f := mustBegin(t, dev)
	addPass(t, f, "produce", vkgraph.PassGraphics, transferWrite(buf.ID))
	addPass(t, f, "consume", vkgraph.PassCompute, storageRead(buf.ID))
	// Unrelated graphics work after the producer starts a fresh batch,
	// because the producer's batch was flushed to publish its signal.
	addPass(t, f, "more", vkgraph.PassGraphics, transferWrite(other.ID))
	mustEnd(t, f)

	// The producer flushes early to publish its signal; the trailing
	// graphics pass lands in a fresh batch on queue 0, flushed before the
	// compute queue at frame end.
	subs := drv.Submissions()
	if len(subs) != 3 {
		t.Fatalf("submissions = %d, want 3", len(subs))
	}
	if subs[0].Queue != 0 || subs[1].Queue != 0 || subs[2].Queue != 1 {
		t.Errorf("submission queues = %d,%d,%d, want 0,0,1", subs[0].Queue, subs[1].Queue, subs[2].Queue)
	}
	if len(subs[2].WaitTimelines) != 1 {
		t.Errorf("consumer timeline waits = %d, want 1", len(subs[2].WaitTimelines))
	}
}

func TestAddPassUsageErrors(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)

	tests := []struct {
		name     string
		accesses []vkgraph.Access
		want     error
	}{
		{"no accesses", nil, vkgraph.ErrInvalidAccess},
		{"zero id", []vkgraph.Access{storageRead(0)}, vkgraph.ErrInvalidAccess},
		{"unknown resource", []vkgraph.Access{storageRead(vkgraph.ResourceID(9999))}, vkgraph.ErrUnknownResource},
		{"duplicate resource", []vkgraph.Access{storageRead(buf.ID), transferWrite(buf.ID)}, vkgraph.ErrInvalidAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.AddPass(tt.name, vkgraph.PassGraphics, tt.accesses, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("AddPass() = %v, want %v", err, tt.want)
			}
		})
	}

	// Usage errors are local: the frame stays healthy and usable.
	if err := f.Err(); err != nil {
		t.Fatalf("frame poisoned by usage error: %v", err)
	}
	addPass(t, f, "valid", vkgraph.PassGraphics, transferWrite(buf.ID))
	mustEnd(t, f)
}

func TestAddPassRejectsIncompatibleStages(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	_, err := f.AddPass("fragment on compute", vkgraph.PassCompute, []vkgraph.Access{{
		Resource:   buf.ID,
		AccessMask: vk.AccessFlags(vk.AccessShaderReadBit),
		StageMask:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
	}}, nil)
	if !errors.Is(err, vkgraph.ErrInvalidAccess) {
		t.Errorf("fragment stage on compute pass = %v, want ErrInvalidAccess", err)
	}
	_, err = f.AddPass("compute on transfer", vkgraph.PassTransfer, []vkgraph.Access{{
		Resource:   buf.ID,
		AccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
		StageMask:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
	}}, nil)
	if !errors.Is(err, vkgraph.ErrInvalidAccess) {
		t.Errorf("compute stage on transfer pass = %v, want ErrInvalidAccess", err)
	}

	// Graphics queues execute every stage; the frame stays usable.
	addPass(t, f, "fragment on graphics", vkgraph.PassGraphics, sampledRead(mustImage(t, dev, "img").ID))
	addPass(t, f, "compute on compute", vkgraph.PassCompute, storageRead(buf.ID))
	mustEnd(t, f)
}

func TestSubmitErrorPoisonsFrame(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	addPass(t, f, "work", vkgraph.PassGraphics, transferWrite(buf.ID))
	// A wait on a serial no queue will ever signal fails the submission.
	f.After(vkgraph.QueueSerialVector{99})

	if _, err := f.End(); err == nil {
		t.Fatal("End() succeeded despite unsatisfiable wait")
	}
	if f.Err() == nil {
		t.Error("failed End did not poison the frame")
	}
	if _, err := f.AddPass("late", vkgraph.PassGraphics, []vkgraph.Access{transferWrite(buf.ID)}, nil); !errors.Is(err, vkgraph.ErrFramePoisoned) {
		t.Errorf("AddPass on poisoned frame = %v, want ErrFramePoisoned", err)
	}
	if _, err := f.End(); !errors.Is(err, vkgraph.ErrFramePoisoned) {
		t.Errorf("End on poisoned frame = %v, want ErrFramePoisoned", err)
	}

	// Cancel is the way out; afterwards the device accepts a new frame.
	f.Cancel()
	f2 := mustBegin(t, dev)
	addPass(t, f2, "work", vkgraph.PassGraphics, transferWrite(buf.ID))
	mustEnd(t, f2)
}

func TestBeginFrameExclusive(t *testing.T) {
	dev, _ := newTestDevice(t, nil)

	f := mustBegin(t, dev)
	if _, err := dev.BeginFrame(); !errors.Is(err, vkgraph.ErrFrameOpen) {
		t.Errorf("second BeginFrame = %v, want ErrFrameOpen", err)
	}
	f.Cancel()
	f2 := mustBegin(t, dev)
	f2.Cancel()
}

func TestCancelLeavesRegistryUntouched(t *testing.T) {
	dev, drv := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	addPass(t, f, "staged write", vkgraph.PassGraphics, transferWrite(buf.ID))
	f.Cancel()

	// The staged write was never merged back: the registry still sees the
	// buffer as never used, so destruction frees it immediately.
	if err := dev.Destroy(buf.ID); err != nil {
		t.Fatalf("Destroy() = %v", err)
	}
	destroyed := drv.DestroyedBuffers()
	if len(destroyed) != 1 || destroyed[0] != buf.Handle {
		t.Errorf("destroyed buffers = %v, want [%d]", destroyed, buf.Handle)
	}
}

func TestTransientRetirement(t *testing.T) {
	dev, drv := newTestDevice(t, nil)

	f := mustBegin(t, dev)
	tmp, err := f.CreateTransientBuffer("scratch", vkgraph.BufferDesc{Size: 64}, vkgraph.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateTransientBuffer() = %v", err)
	}
	addPass(t, f, "fill", vkgraph.PassGraphics, transferWrite(tmp.ID))
	ret := mustEnd(t, f)

	select {
	case <-ret.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("retirement never completed")
	}

	found := false
	for _, h := range drv.DestroyedBuffers() {
		if h == tmp.Handle {
			found = true
		}
	}
	if !found {
		t.Errorf("transient buffer %d not destroyed after retirement", tmp.Handle)
	}
}

func TestDeferredDestroy(t *testing.T) {
	dev, drv := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f := mustBegin(t, dev)
	addPass(t, f, "use", vkgraph.PassGraphics, transferWrite(buf.ID))
	ret := mustEnd(t, f)

	if err := dev.Destroy(buf.ID); err != nil {
		t.Fatalf("Destroy() = %v", err)
	}
	// Destroying again reports the resource as gone even though the
	// handle may still be pending release.
	if err := dev.Destroy(buf.ID); !errors.Is(err, vkgraph.ErrUnknownResource) {
		t.Errorf("second Destroy = %v, want ErrUnknownResource", err)
	}

	select {
	case <-ret.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("retirement never completed")
	}

	found := false
	for _, h := range drv.DestroyedBuffers() {
		if h == buf.Handle {
			found = true
		}
	}
	if !found {
		t.Errorf("buffer %d not released after its frame retired", buf.Handle)
	}
}

func TestFrameAfterOrdersBehindRetiredWork(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	f1 := mustBegin(t, dev)
	addPass(t, f1, "first", vkgraph.PassGraphics, transferWrite(buf.ID))
	ret := mustEnd(t, f1)
	if err := ret.Wait(time.Second); err != nil {
		t.Fatalf("Wait() = %v", err)
	}

	f2 := mustBegin(t, dev)
	f2.After(ret.Serials())
	addPass(t, f2, "second", vkgraph.PassGraphics, transferWrite(buf.ID))
	mustEnd(t, f2)
}

func TestGroupJointSynchronization(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	bufA := mustBuffer(t, dev, "a")
	bufB := mustBuffer(t, dev, "b")

	gid, err := dev.NewGroup(bufA.ID, bufB.ID)
	if err != nil {
		t.Fatalf("NewGroup() = %v", err)
	}

	// Grouped resources may not be destroyed or regrouped individually.
	if err := dev.Destroy(bufA.ID); !errors.Is(err, vkgraph.ErrResourceInGroup) {
		t.Errorf("Destroy grouped = %v, want ErrResourceInGroup", err)
	}
	if _, err := dev.NewGroup(bufA.ID); !errors.Is(err, vkgraph.ErrResourceInGroup) {
		t.Errorf("NewGroup over grouped = %v, want ErrResourceInGroup", err)
	}

	f := mustBegin(t, dev)

	// Group management is forbidden while a frame is open.
	if _, err := dev.NewGroup(bufB.ID); !errors.Is(err, vkgraph.ErrFrameOpen) {
		t.Errorf("NewGroup inside frame = %v, want ErrFrameOpen", err)
	}
	if err := dev.DissolveGroup(gid); !errors.Is(err, vkgraph.ErrFrameOpen) {
		t.Errorf("DissolveGroup inside frame = %v, want ErrFrameOpen", err)
	}

	// Writing one member must synchronize a later access to the other:
	// the group shares one tracking state.
	write := addPass(t, f, "write-a", vkgraph.PassGraphics, transferWrite(bufA.ID))
	read := addPass(t, f, "read-b", vkgraph.PassGraphics, storageRead(bufB.ID))
	if got := read.Predecessors(); len(got) != 1 || got[0] != write.Index() {
		t.Errorf("group read predecessors = %v, want [%d]", got, write.Index())
	}
	rb := read.Barrier()
	if len(rb.Buffers) != 1 || rb.Buffers[0].Buffer != bufB.Handle {
		t.Fatalf("group read barrier = %+v, want one barrier on buffer %d", rb.Buffers, bufB.Handle)
	}
	if got, want := rb.Buffers[0].SrcAccess, vk.AccessFlags(vk.AccessTransferWriteBit); got != want {
		t.Errorf("group read SrcAccess = %v, want %v", got, want)
	}
	mustEnd(t, f)

	if err := dev.DissolveGroup(gid); err != nil {
		t.Fatalf("DissolveGroup() = %v", err)
	}
	if err := dev.Destroy(bufA.ID); err != nil {
		t.Errorf("Destroy after dissolve = %v", err)
	}
}

func TestGroupJoinsCrossQueueWriters(t *testing.T) {
	dev, _ := newTestDevice(t,
		[]null.Option{null.WithQueueCount(2)},
		vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}))
	bufA := mustBuffer(t, dev, "a")
	bufB := mustBuffer(t, dev, "b")

	f1 := mustBegin(t, dev)
	writeA := addPass(t, f1, "write-a", vkgraph.PassGraphics, transferWrite(bufA.ID))
	writeB := addPass(t, f1, "write-b", vkgraph.PassCompute, vkgraph.Access{
		Resource:   bufB.ID,
		AccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
		StageMask:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
	})
	mustEnd(t, f1)
	if writeA.Queue() == writeB.Queue() {
		t.Fatalf("writers share queue %d, want distinct queues", writeA.Queue())
	}

	gid, err := dev.NewGroup(bufA.ID, bufB.ID)
	if err != nil {
		t.Fatalf("NewGroup() = %v", err)
	}

	// Reading any member must wait for both writers, not just the one
	// with the highest serial.
	var want vkgraph.QueueSerialVector
	want[writeA.Queue()] = writeA.SNN().Serial()
	want[writeB.Queue()] = writeB.SNN().Serial()

	f2 := mustBegin(t, dev)
	read := addPass(t, f2, "read-a", vkgraph.PassCompute, storageRead(bufA.ID))
	if got := read.WaitSerials(); got != want {
		t.Errorf("grouped read waits = %v, want %v", got, want)
	}
	mustEnd(t, f2)

	// Dissolving pushes the joint writer vector back to every member.
	if err := dev.DissolveGroup(gid); err != nil {
		t.Fatalf("DissolveGroup() = %v", err)
	}
	f3 := mustBegin(t, dev)
	readB := addPass(t, f3, "read-b", vkgraph.PassCompute, storageRead(bufB.ID))
	if got := readB.WaitSerials(); got != want {
		t.Errorf("post-dissolve read waits = %v, want %v", got, want)
	}
	mustEnd(t, f3)
}

func TestSerialsMonotonicAcrossFrames(t *testing.T) {
	dev, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, dev, "buf")

	// Serials are device-wide: successive frames keep counting where the
	// previous frame stopped, so no two passes ever share a serial.
	var last uint64
	for i := 0; i < 3; i++ {
		f := mustBegin(t, dev)
		if f.BaseSerial() != last {
			t.Errorf("frame %d base serial = %d, want %d", i+1, f.BaseSerial(), last)
		}
		p1 := addPass(t, f, "first", vkgraph.PassGraphics, transferWrite(buf.ID))
		p2 := addPass(t, f, "second", vkgraph.PassGraphics, storageRead(buf.ID))
		if p1.SNN().Serial() != last+1 || p2.SNN().Serial() != last+2 {
			t.Errorf("frame %d serials = %d, %d, want %d, %d",
				i+1, p1.SNN().Serial(), p2.SNN().Serial(), last+1, last+2)
		}
		last = p2.SNN().Serial()
		mustEnd(t, f)
	}
}

func TestFramePacing(t *testing.T) {
	dev, _ := newTestDevice(t, nil, vkgraph.WithFramesInFlight(1))
	buf := mustBuffer(t, dev, "buf")

	// With the null driver frames retire immediately, so pacing never
	// stalls; this exercises the bookkeeping across several frames.
	for i := 0; i < 4; i++ {
		f := mustBegin(t, dev)
		addPass(t, f, "work", vkgraph.PassGraphics, transferWrite(buf.ID))
		mustEnd(t, f)
	}
}
