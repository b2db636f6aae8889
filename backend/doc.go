// Package backend provides a pluggable driver abstraction for the
// frame engine.
//
// The engine core performs dependency inference and barrier synthesis
// on its own; a backend only creates native objects and replays the
// scheduled command stream. Two backends exist: "vulkan" drives a real
// device through github.com/goki/vulkan, and "null" records every call
// in memory for tests and headless runs.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import (
//	    "github.com/vkgraph/vkgraph/backend"
//	    _ "github.com/vkgraph/vkgraph/backend/vulkan"
//	)
//
// # Backend Selection
//
// Use Default() to get the best available driver, or Get() to request
// a specific backend by name:
//
//	drv, err := backend.Default()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dev, err := vkgraph.NewDevice(drv)
package backend
