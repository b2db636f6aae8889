package vulkan

import (
	"fmt"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/vkgraph/vkgraph"
)

func memoryProps(loc vkgraph.MemoryLocation) vk.MemoryPropertyFlags {
	switch loc {
	case vkgraph.MemoryHostVisible:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	case vkgraph.MemoryHostCoherent:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	default:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	}
}

func (d *Driver) findMemoryType(typeFilter uint32, propFlags vk.MemoryPropertyFlags) (uint32, error) {
	for i := uint32(0); i < d.memProps.MemoryTypeCount; i++ {
		ofType := typeFilter&(1<<i) != 0
		hasProps := d.memProps.MemoryTypes[i].PropertyFlags&propFlags == propFlags
		if ofType && hasProps {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vulkan: no memory type for filter %#x props %#x: %w",
		typeFilter, propFlags, vkgraph.ErrOutOfDeviceMemory)
}

// CreateImage implements vkgraph.Driver.
func (d *Driver) CreateImage(desc vkgraph.ImageDesc, loc vkgraph.MemoryLocation) (vkgraph.ImageHandle, error) {
	depth := desc.Depth
	if depth == 0 {
		depth = 1
	}
	imageType := vk.ImageType2d
	if depth > 1 {
		imageType = vk.ImageType3d
	}
	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	layers := desc.ArrayLayers
	if layers == 0 {
		layers = 1
	}
	samples := vk.SampleCountFlagBits(vk.SampleCount1Bit)
	if desc.Samples > 1 {
		samples = vk.SampleCountFlagBits(desc.Samples)
	}

	createInfo := &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageType,
		Format:    desc.Format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  depth,
		},
		MipLevels:     mips,
		ArrayLayers:   layers,
		Samples:       samples,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         desc.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if res := vk.CreateImage(d.device, createInfo, nil, &image); res != vk.Success {
		return 0, fmt.Errorf("vulkan: creating image: %w", mapResult(res))
	}

	var memReq vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, image, &memReq)
	memReq.Deref()

	memory, err := d.allocate(memReq, memoryProps(loc))
	if err != nil {
		vk.DestroyImage(d.device, image, nil)
		return 0, err
	}
	vk.BindImageMemory(d.device, image, memory, 0)

	d.mu.Lock()
	h := vkgraph.ImageHandle(d.newHandle())
	d.images[h] = imageObject{image: image, memory: memory}
	d.mu.Unlock()
	return h, nil
}

// DestroyImage implements vkgraph.Driver.
func (d *Driver) DestroyImage(h vkgraph.ImageHandle) {
	d.mu.Lock()
	obj, ok := d.images[h]
	delete(d.images, h)
	d.mu.Unlock()
	if ok {
		vk.DestroyImage(d.device, obj.image, nil)
		vk.FreeMemory(d.device, obj.memory, nil)
	}
}

// CreateBuffer implements vkgraph.Driver.
func (d *Driver) CreateBuffer(desc vkgraph.BufferDesc, loc vkgraph.MemoryLocation) (vkgraph.BufferHandle, error) {
	createInfo := &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       desc.Usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(d.device, createInfo, nil, &buffer); res != vk.Success {
		return 0, fmt.Errorf("vulkan: creating buffer: %w", mapResult(res))
	}

	var memReq vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buffer, &memReq)
	memReq.Deref()

	memory, err := d.allocate(memReq, memoryProps(loc))
	if err != nil {
		vk.DestroyBuffer(d.device, buffer, nil)
		return 0, err
	}
	vk.BindBufferMemory(d.device, buffer, memory, 0)

	d.mu.Lock()
	h := vkgraph.BufferHandle(d.newHandle())
	d.buffers[h] = bufferObject{buffer: buffer, memory: memory}
	d.mu.Unlock()
	return h, nil
}

// DestroyBuffer implements vkgraph.Driver.
func (d *Driver) DestroyBuffer(h vkgraph.BufferHandle) {
	d.mu.Lock()
	obj, ok := d.buffers[h]
	delete(d.buffers, h)
	d.mu.Unlock()
	if ok {
		vk.DestroyBuffer(d.device, obj.buffer, nil)
		vk.FreeMemory(d.device, obj.memory, nil)
	}
}

func (d *Driver) allocate(memReq vk.MemoryRequirements, props vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	typeIndex, err := d.findMemoryType(memReq.MemoryTypeBits, props)
	if err != nil {
		return nil, err
	}
	allocInfo := &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.device, allocInfo, nil, &memory); res != vk.Success {
		return nil, fmt.Errorf("vulkan: allocating %d bytes: %w", memReq.Size, mapResult(res))
	}
	return memory, nil
}

// VkBuffer resolves an engine buffer handle to the native buffer, for
// use inside record callbacks.
func (d *Driver) VkBuffer(h vkgraph.BufferHandle) vk.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[h].buffer
}

// VkImage resolves an engine image handle to the native image.
func (d *Driver) VkImage(h vkgraph.ImageHandle) vk.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[h].image
}

// WriteBuffer copies data into a host-visible buffer through a
// transient mapping. The buffer must have been created with
// MemoryHostVisible or MemoryHostCoherent.
func (d *Driver) WriteBuffer(h vkgraph.BufferHandle, data []byte) error {
	d.mu.Lock()
	obj, ok := d.buffers[h]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vulkan: unknown buffer %d", h)
	}
	var pData unsafe.Pointer
	if res := vk.MapMemory(d.device, obj.memory, 0, vk.DeviceSize(len(data)), 0, &pData); res != vk.Success {
		return fmt.Errorf("vulkan: mapping buffer: %w", mapResult(res))
	}
	vk.Memcopy(pData, data)
	vk.UnmapMemory(d.device, obj.memory)
	return nil
}

// CreateTimeline implements vkgraph.Driver.
func (d *Driver) CreateTimeline() (vkgraph.SemaphoreHandle, error) {
	typeInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  0,
	}
	createInfo := &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: unsafe.Pointer(&typeInfo),
	}
	return d.createSemaphore(createInfo)
}

// CreateSemaphore implements vkgraph.Driver.
func (d *Driver) CreateSemaphore() (vkgraph.SemaphoreHandle, error) {
	return d.createSemaphore(&vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	})
}

func (d *Driver) createSemaphore(createInfo *vk.SemaphoreCreateInfo) (vkgraph.SemaphoreHandle, error) {
	var sem vk.Semaphore
	if res := vk.CreateSemaphore(d.device, createInfo, nil, &sem); res != vk.Success {
		return 0, fmt.Errorf("vulkan: creating semaphore: %w", mapResult(res))
	}
	d.mu.Lock()
	h := vkgraph.SemaphoreHandle(d.newHandle())
	d.semaphores[h] = sem
	d.mu.Unlock()
	return h, nil
}

// DestroySemaphore implements vkgraph.Driver.
func (d *Driver) DestroySemaphore(h vkgraph.SemaphoreHandle) {
	d.mu.Lock()
	sem, ok := d.semaphores[h]
	delete(d.semaphores, h)
	d.mu.Unlock()
	if ok {
		vk.DestroySemaphore(d.device, sem, nil)
	}
}

func (d *Driver) semaphore(h vkgraph.SemaphoreHandle) vk.Semaphore {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.semaphores[h]
}

// TimelineValue implements vkgraph.Driver.
func (d *Driver) TimelineValue(h vkgraph.SemaphoreHandle) (uint64, error) {
	var value uint64
	if res := vk.GetSemaphoreCounterValue(d.device, d.semaphore(h), &value); res != vk.Success {
		return 0, mapResult(res)
	}
	return value, nil
}

// WaitTimelines implements vkgraph.Driver.
func (d *Driver) WaitTimelines(sems []vkgraph.SemaphoreHandle, values []uint64, timeout time.Duration) error {
	native := make([]vk.Semaphore, len(sems))
	for i, h := range sems {
		native[i] = d.semaphore(h)
	}
	waitInfo := &vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: uint32(len(native)),
		PSemaphores:    native,
		PValues:        values,
	}
	return mapResult(vk.WaitSemaphores(d.device, waitInfo, timeoutNs(timeout)))
}

func timeoutNs(timeout time.Duration) uint64 {
	if timeout < 0 {
		return ^uint64(0)
	}
	return uint64(timeout.Nanoseconds())
}

// CreateCommandPool implements vkgraph.Driver.
func (d *Driver) CreateCommandPool(queue int) (vkgraph.CommandPoolHandle, error) {
	if queue < 0 || queue >= len(d.queues) {
		return 0, fmt.Errorf("vulkan: queue %d out of range", queue)
	}
	createInfo := &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: d.queues[queue].family,
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(d.device, createInfo, nil, &pool); res != vk.Success {
		return 0, fmt.Errorf("vulkan: creating command pool: %w", mapResult(res))
	}
	d.mu.Lock()
	h := vkgraph.CommandPoolHandle(d.newHandle())
	d.pools[h] = pool
	d.mu.Unlock()
	return h, nil
}

// ResetCommandPool implements vkgraph.Driver.
func (d *Driver) ResetCommandPool(h vkgraph.CommandPoolHandle) error {
	d.mu.Lock()
	pool, ok := d.pools[h]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vulkan: unknown command pool %d", h)
	}
	return mapResult(vk.ResetCommandPool(d.device, pool, 0))
}

// DestroyCommandPool implements vkgraph.Driver.
func (d *Driver) DestroyCommandPool(h vkgraph.CommandPoolHandle) {
	d.mu.Lock()
	pool, ok := d.pools[h]
	delete(d.pools, h)
	d.mu.Unlock()
	if ok {
		vk.DestroyCommandPool(d.device, pool, nil)
	}
}

// AllocateCommandBuffer implements vkgraph.Driver.
func (d *Driver) AllocateCommandBuffer(h vkgraph.CommandPoolHandle) (vkgraph.CommandBuffer, error) {
	d.mu.Lock()
	pool, ok := d.pools[h]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vulkan: unknown command pool %d", h)
	}
	allocInfo := &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(d.device, allocInfo, cbs); res != vk.Success {
		return 0, fmt.Errorf("vulkan: allocating command buffer: %w", mapResult(res))
	}
	d.mu.Lock()
	cb := vkgraph.CommandBuffer(d.newHandle())
	d.cbs[cb] = cbs[0]
	d.mu.Unlock()
	return cb, nil
}

// BeginCommandBuffer implements vkgraph.Driver.
func (d *Driver) BeginCommandBuffer(cb vkgraph.CommandBuffer) error {
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	return mapResult(vk.BeginCommandBuffer(d.VkCommandBuffer(cb), beginInfo))
}

// EndCommandBuffer implements vkgraph.Driver.
func (d *Driver) EndCommandBuffer(cb vkgraph.CommandBuffer) error {
	return mapResult(vk.EndCommandBuffer(d.VkCommandBuffer(cb)))
}

// CmdPipelineBarrier implements vkgraph.Driver.
func (d *Driver) CmdPipelineBarrier(cb vkgraph.CommandBuffer, b *vkgraph.Barrier) {
	var global []vk.MemoryBarrier
	if b.Global != nil {
		global = []vk.MemoryBarrier{{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: b.Global.SrcAccess,
			DstAccessMask: b.Global.DstAccess,
		}}
	}

	buffers := make([]vk.BufferMemoryBarrier, len(b.Buffers))
	for i, bb := range b.Buffers {
		buffers[i] = vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       bb.SrcAccess,
			DstAccessMask:       bb.DstAccess,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              d.VkBuffer(bb.Buffer),
			Offset:              0,
			Size:                vk.DeviceSize(vk.WholeSize),
		}
	}

	images := make([]vk.ImageMemoryBarrier, len(b.Images))
	for i, ib := range b.Images {
		images[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       ib.SrcAccess,
			DstAccessMask:       ib.DstAccess,
			OldLayout:           ib.OldLayout,
			NewLayout:           ib.NewLayout,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               d.VkImage(ib.Image),
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vkgraph.FormatAspectMask(ib.Format),
				LevelCount: vk.RemainingMipLevels,
				LayerCount: vk.RemainingArrayLayers,
			},
		}
	}

	vk.CmdPipelineBarrier(d.VkCommandBuffer(cb),
		b.SrcStages, b.DstStages, 0,
		uint32(len(global)), global,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

// Submit implements vkgraph.Driver.
func (d *Driver) Submit(queue int, sub *vkgraph.Submission) error {
	if queue < 0 || queue >= len(d.queues) {
		return fmt.Errorf("vulkan: queue %d out of range", queue)
	}

	var (
		waitSems   []vk.Semaphore
		waitValues []uint64
		waitStages []vk.PipelineStageFlags
	)
	for _, w := range sub.WaitTimelines {
		waitSems = append(waitSems, d.semaphore(w.Semaphore))
		waitValues = append(waitValues, w.Value)
		waitStages = append(waitStages, w.DstStages)
	}
	for _, w := range sub.WaitBinary {
		waitSems = append(waitSems, d.semaphore(w.Semaphore))
		waitValues = append(waitValues, 0)
		waitStages = append(waitStages, w.DstStages)
	}

	var (
		signalSems   []vk.Semaphore
		signalValues []uint64
	)
	if s := sub.SignalTimeline; s != nil {
		signalSems = append(signalSems, d.semaphore(s.Semaphore))
		signalValues = append(signalValues, s.Value)
	}
	for _, s := range sub.SignalBinary {
		signalSems = append(signalSems, d.semaphore(s))
		signalValues = append(signalValues, 0)
	}

	cbs := make([]vk.CommandBuffer, len(sub.CommandBuffers))
	for i, cb := range sub.CommandBuffers {
		cbs[i] = d.VkCommandBuffer(cb)
	}

	timelineInfo := vk.TimelineSemaphoreSubmitInfo{
		SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
		WaitSemaphoreValueCount:   uint32(len(waitValues)),
		PWaitSemaphoreValues:      waitValues,
		SignalSemaphoreValueCount: uint32(len(signalValues)),
		PSignalSemaphoreValues:    signalValues,
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		PNext:                unsafe.Pointer(&timelineInfo),
		WaitSemaphoreCount:   uint32(len(waitSems)),
		PWaitSemaphores:      waitSems,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   uint32(len(cbs)),
		PCommandBuffers:      cbs,
		SignalSemaphoreCount: uint32(len(signalSems)),
		PSignalSemaphores:    signalSems,
	}

	res := vk.QueueSubmit(d.queues[queue].queue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence)
	if res != vk.Success {
		return fmt.Errorf("vulkan: queue submit: %w", mapResult(res))
	}
	return nil
}
