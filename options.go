package vkgraph

// QueueConfig declares which dedicated queues the Device should use.
// Queue 0 is always the graphics queue and doubles as the present queue.
// Dedicated compute and transfer queues are used only when the driver
// actually exposes enough queues; otherwise the kinds fall back to the
// graphics queue.
type QueueConfig struct {
	// Compute requests a dedicated queue for compute passes.
	Compute bool
	// Transfer requests a dedicated queue for transfer passes.
	Transfer bool
}

// DeviceOption configures a Device during creation.
//
// Example:
//
//	dev, err := vkgraph.NewDevice(drv,
//	    vkgraph.WithQueueConfig(vkgraph.QueueConfig{Compute: true}),
//	    vkgraph.WithFramesInFlight(3),
//	)
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	queues         QueueConfig
	framesInFlight int
}

func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		framesInFlight: 2,
	}
}

// WithQueueConfig requests dedicated queues for compute and/or transfer
// passes. The default routes every pass kind to the graphics queue.
func WithQueueConfig(cfg QueueConfig) DeviceOption {
	return func(o *deviceOptions) {
		o.queues = cfg
	}
}

// WithFramesInFlight sets how many submitted frames may be executing on
// the device before Frame.End blocks waiting for the oldest one. The
// default is 2. Values below 1 are clamped to 1.
func WithFramesInFlight(n int) DeviceOption {
	return func(o *deviceOptions) {
		if n < 1 {
			n = 1
		}
		o.framesInFlight = n
	}
}
