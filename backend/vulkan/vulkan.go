// Package vulkan implements the engine driver on a real Vulkan device
// through github.com/goki/vulkan.
//
// The package registers itself under the name "vulkan". Creating the
// driver picks a physical device, creates a logical device with the
// timeline semaphore feature enabled, and retrieves up to
// vkgraph.MaxQueues queues. All engine handles are opaque indices into
// driver-internal tables, so the core never touches binding types.
//
// Window-system integration stays with the application: it creates the
// surface (e.g. through SDL) and passes the instance extensions the
// windowing library requires via WithInstanceExtensions.
package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/vkgraph/vkgraph"
	"github.com/vkgraph/vkgraph/backend"
)

func init() {
	backend.Register(backend.BackendVulkan, func() (vkgraph.Driver, error) {
		return New()
	})
}

// ErrNoDevice is returned when no Vulkan device supports the engine's
// requirements (graphics queue, timeline semaphores).
var ErrNoDevice = errors.New("vulkan: no suitable device")

// Option configures driver creation.
type Option func(*options)

type options struct {
	appName            string
	instanceExtensions []string
	deviceExtensions   []string
	validation         bool
	skipLoaderInit     bool
}

func defaultOptions() options {
	return options{
		appName:          "vkgraph",
		deviceExtensions: []string{"VK_KHR_swapchain"},
	}
}

// WithAppName sets the application name reported to the driver.
func WithAppName(name string) Option {
	return func(o *options) { o.appName = name }
}

// WithInstanceExtensions adds instance extensions, typically the
// surface extensions reported by the windowing library.
func WithInstanceExtensions(names ...string) Option {
	return func(o *options) { o.instanceExtensions = append(o.instanceExtensions, names...) }
}

// WithDeviceExtensions replaces the device extension list. The default
// enables VK_KHR_swapchain only.
func WithDeviceExtensions(names ...string) Option {
	return func(o *options) { o.deviceExtensions = names }
}

// WithValidation enables the standard validation layer.
func WithValidation() Option {
	return func(o *options) { o.validation = true }
}

// WithExternalLoader skips loader initialization. Use when the
// application has already called vk.SetGetInstanceProcAddr and vk.Init
// itself, for example through SDL.
func WithExternalLoader() Option {
	return func(o *options) { o.skipLoaderInit = true }
}

// queueSlot binds an engine queue index to a native queue.
type queueSlot struct {
	queue  vk.Queue
	family uint32
}

// Driver is the Vulkan backend. Engine handles index into the handle
// tables below; nothing from the binding leaks through the
// vkgraph.Driver interface.
type Driver struct {
	instance vk.Instance
	gpu      vk.PhysicalDevice
	device   vk.Device
	memProps vk.PhysicalDeviceMemoryProperties

	queues []queueSlot

	mu         sync.Mutex
	nextHandle uint64
	images     map[vkgraph.ImageHandle]imageObject
	buffers    map[vkgraph.BufferHandle]bufferObject
	semaphores map[vkgraph.SemaphoreHandle]vk.Semaphore
	pools      map[vkgraph.CommandPoolHandle]vk.CommandPool
	cbs        map[vkgraph.CommandBuffer]vk.CommandBuffer
	swapchains map[vkgraph.SwapchainHandle]vk.Swapchain
}

type imageObject struct {
	image  vk.Image
	memory vk.DeviceMemory
}

type bufferObject struct {
	buffer vk.Buffer
	memory vk.DeviceMemory
}

// New creates the Vulkan driver.
func New(opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if !o.skipLoaderInit {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return nil, fmt.Errorf("vulkan: locating loader: %w", err)
		}
		if err := vk.Init(); err != nil {
			return nil, fmt.Errorf("vulkan: initializing loader: %w", err)
		}
	}

	d := &Driver{
		images:     make(map[vkgraph.ImageHandle]imageObject),
		buffers:    make(map[vkgraph.BufferHandle]bufferObject),
		semaphores: make(map[vkgraph.SemaphoreHandle]vk.Semaphore),
		pools:      make(map[vkgraph.CommandPoolHandle]vk.CommandPool),
		cbs:        make(map[vkgraph.CommandBuffer]vk.CommandBuffer),
		swapchains: make(map[vkgraph.SwapchainHandle]vk.Swapchain),
	}

	if err := d.createInstance(&o); err != nil {
		return nil, err
	}
	if err := d.pickPhysicalDevice(); err != nil {
		vk.DestroyInstance(d.instance, nil)
		return nil, err
	}
	if err := d.createDevice(&o); err != nil {
		vk.DestroyInstance(d.instance, nil)
		return nil, err
	}
	return d, nil
}

func (d *Driver) createInstance(o *options) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   terminated(o.appName),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        terminated("vkgraph"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 2, 0),
	}
	createInfo := &vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(o.instanceExtensions)),
		PpEnabledExtensionNames: terminatedStrs(o.instanceExtensions),
	}
	if o.validation {
		layers := []string{"VK_LAYER_KHRONOS_validation"}
		createInfo.EnabledLayerCount = uint32(len(layers))
		createInfo.PpEnabledLayerNames = terminatedStrs(layers)
	}
	var instance vk.Instance
	if res := vk.CreateInstance(createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("vulkan: creating instance: %w", mapResult(res))
	}
	if err := vk.InitInstance(instance); err != nil {
		return fmt.Errorf("vulkan: loading instance procs: %w", err)
	}
	d.instance = instance
	return nil
}

func (d *Driver) pickPhysicalDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(d.instance, &count, nil)
	if count == 0 {
		return ErrNoDevice
	}
	gpus := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(d.instance, &count, gpus)

	// Prefer a discrete GPU; fall back to whatever has a graphics queue.
	var fallback vk.PhysicalDevice
	for _, gpu := range gpus {
		if graphicsFamily(gpu) < 0 {
			continue
		}
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(gpu, &props)
		props.Deref()
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			d.gpu = gpu
			break
		}
		if fallback == nil {
			fallback = gpu
		}
	}
	if d.gpu == nil {
		if fallback == nil {
			return ErrNoDevice
		}
		d.gpu = fallback
	}

	vk.GetPhysicalDeviceMemoryProperties(d.gpu, &d.memProps)
	d.memProps.Deref()
	for i := range d.memProps.MemoryTypes {
		d.memProps.MemoryTypes[i].Deref()
	}
	return nil
}

// graphicsFamily returns the index of a graphics-capable queue family,
// or -1.
func graphicsFamily(gpu vk.PhysicalDevice) int {
	for i, f := range queueFamilies(gpu) {
		if f.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return i
		}
	}
	return -1
}

func queueFamilies(gpu vk.PhysicalDevice) []vk.QueueFamilyProperties {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
	fams := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, fams)
	for i := range fams {
		fams[i].Deref()
	}
	return fams
}

// createDevice creates the logical device with timeline semaphores
// enabled and retrieves the submission queues: every queue of the
// graphics family up to MaxQueues, plus one queue of a dedicated
// compute or transfer family when the graphics family runs out.
func (d *Driver) createDevice(o *options) error {
	fams := queueFamilies(d.gpu)
	gfx := graphicsFamily(d.gpu)
	if gfx < 0 {
		return ErrNoDevice
	}

	type famAlloc struct {
		family uint32
		count  uint32
	}
	allocs := []famAlloc{{family: uint32(gfx), count: fams[gfx].QueueCount}}
	if allocs[0].count > vkgraph.MaxQueues {
		allocs[0].count = vkgraph.MaxQueues
	}
	total := allocs[0].count

	// Dedicated compute/transfer families extend the queue set when the
	// graphics family alone cannot fill it.
	for i, f := range fams {
		if total >= vkgraph.MaxQueues || i == gfx {
			continue
		}
		if f.QueueFlags&vk.QueueFlags(vk.QueueComputeBit|vk.QueueTransferBit) == 0 {
			continue
		}
		allocs = append(allocs, famAlloc{family: uint32(i), count: 1})
		total++
	}

	priorities := make([]float32, vkgraph.MaxQueues)
	for i := range priorities {
		priorities[i] = 1
	}
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(allocs))
	for i, a := range allocs {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: a.family,
			QueueCount:       a.count,
			PQueuePriorities: priorities[:a.count],
		}
	}

	timelineFeatures := vk.PhysicalDeviceVulkan12Features{
		SType:             vk.StructureTypePhysicalDeviceVulkan12Features,
		TimelineSemaphore: vk.True,
	}
	createInfo := &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		PNext:                   unsafe.Pointer(&timelineFeatures),
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(o.deviceExtensions)),
		PpEnabledExtensionNames: terminatedStrs(o.deviceExtensions),
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
	}
	var device vk.Device
	if res := vk.CreateDevice(d.gpu, createInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("vulkan: creating device: %w", mapResult(res))
	}
	d.device = device

	for _, a := range allocs {
		for qi := uint32(0); qi < a.count; qi++ {
			var q vk.Queue
			vk.GetDeviceQueue(d.device, a.family, qi, &q)
			d.queues = append(d.queues, queueSlot{queue: q, family: a.family})
		}
	}
	return nil
}

// Name implements vkgraph.Driver.
func (d *Driver) Name() string { return "vulkan" }

// QueueCount implements vkgraph.Driver.
func (d *Driver) QueueCount() int { return len(d.queues) }

// Instance returns the Vulkan instance, for surface creation.
func (d *Driver) Instance() vk.Instance { return d.instance }

// PhysicalDevice returns the selected physical device.
func (d *Driver) PhysicalDevice() vk.PhysicalDevice { return d.gpu }

// VkDevice returns the logical device, for application-side object
// creation (pipelines, descriptor sets).
func (d *Driver) VkDevice() vk.Device { return d.device }

// VkCommandBuffer resolves an engine command buffer handle to the
// native command buffer, for use inside record callbacks.
func (d *Driver) VkCommandBuffer(cb vkgraph.CommandBuffer) vk.CommandBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cbs[cb]
}

// Close implements vkgraph.Driver.
func (d *Driver) Close() {
	vk.DeviceWaitIdle(d.device)
	d.mu.Lock()
	for _, obj := range d.images {
		vk.DestroyImage(d.device, obj.image, nil)
		vk.FreeMemory(d.device, obj.memory, nil)
	}
	for _, obj := range d.buffers {
		vk.DestroyBuffer(d.device, obj.buffer, nil)
		vk.FreeMemory(d.device, obj.memory, nil)
	}
	for _, s := range d.semaphores {
		vk.DestroySemaphore(d.device, s, nil)
	}
	for _, p := range d.pools {
		vk.DestroyCommandPool(d.device, p, nil)
	}
	d.mu.Unlock()
	vk.DestroyDevice(d.device, nil)
	vk.DestroyInstance(d.instance, nil)
}

func (d *Driver) newHandle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// mapResult converts a Vulkan result into the engine's sentinel errors
// where one exists.
func mapResult(res vk.Result) error {
	switch res {
	case vk.Success:
		return nil
	case vk.Timeout:
		return vkgraph.ErrTimeout
	case vk.ErrorDeviceLost:
		return vkgraph.ErrDeviceLost
	case vk.ErrorOutOfDeviceMemory:
		return vkgraph.ErrOutOfDeviceMemory
	case vk.ErrorOutOfHostMemory:
		return vkgraph.ErrOutOfHostMemory
	case vk.ErrorOutOfDate:
		return vkgraph.ErrSwapchainOutOfDate
	case vk.Suboptimal:
		return vkgraph.ErrSwapchainSuboptimal
	default:
		return vk.Error(res)
	}
}

// terminated returns s with the NUL terminator the C side expects.
func terminated(s string) string { return s + "\x00" }

func terminatedStrs(strs []string) []string {
	out := make([]string, len(strs))
	for i, s := range strs {
		out[i] = terminated(s)
	}
	return out
}
