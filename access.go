package vkgraph

import (
	vk "github.com/goki/vulkan"
)

// writeAccessMask covers every access type that modifies memory. A
// layout transition counts as a write too, but that is decided where
// layouts are known.
const writeAccessMask = vk.AccessFlags(vk.AccessShaderWriteBit |
	vk.AccessColorAttachmentWriteBit |
	vk.AccessDepthStencilAttachmentWriteBit |
	vk.AccessTransferWriteBit |
	vk.AccessHostWriteBit |
	vk.AccessMemoryWriteBit)

// isWriteAccess reports whether the mask contains any write access type.
func isWriteAccess(mask vk.AccessFlags) bool {
	return mask&writeAccessMask != 0
}

func isDepthAndStencilFormat(f vk.Format) bool {
	switch f {
	case vk.FormatD16UnormS8Uint, vk.FormatD24UnormS8Uint, vk.FormatD32SfloatS8Uint:
		return true
	}
	return false
}

func isDepthOnlyFormat(f vk.Format) bool {
	switch f {
	case vk.FormatD16Unorm, vk.FormatX8D24UnormPack32, vk.FormatD32Sfloat:
		return true
	}
	return false
}

func isStencilOnlyFormat(f vk.Format) bool {
	return f == vk.FormatS8Uint
}

// FormatAspectMask returns the image aspect flags implied by a format.
// Backends use it to fill the subresource range of synthesized image
// barriers.
func FormatAspectMask(f vk.Format) vk.ImageAspectFlags {
	return formatAspectMask(f)
}

// formatAspectMask returns the image aspect flags implied by a format.
func formatAspectMask(f vk.Format) vk.ImageAspectFlags {
	switch {
	case isDepthOnlyFormat(f):
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	case isStencilOnlyFormat(f):
		return vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	case isDepthAndStencilFormat(f):
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	default:
		return vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
}

// stagesForKind returns the pipeline stages executable on the queue a
// pass kind is scheduled on. Graphics queues execute everything;
// compute and transfer queues reject stages their commands cannot
// reach.
func stagesForKind(kind PassKind) vk.PipelineStageFlags {
	switch kind {
	case PassCompute:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit |
			vk.PipelineStageDrawIndirectBit |
			vk.PipelineStageComputeShaderBit |
			vk.PipelineStageTransferBit |
			vk.PipelineStageBottomOfPipeBit |
			vk.PipelineStageHostBit |
			vk.PipelineStageAllCommandsBit)
	case PassTransfer:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit |
			vk.PipelineStageTransferBit |
			vk.PipelineStageBottomOfPipeBit |
			vk.PipelineStageHostBit |
			vk.PipelineStageAllCommandsBit)
	default:
		return ^vk.PipelineStageFlags(0)
	}
}

// Access declares one resource access made by a pass: which resource,
// how it is accessed, from which pipeline stages, and (for images) the
// layout the pass expects on entry and leaves on exit.
//
// Buffers ignore the layout fields. For images, InputLayout is the
// layout the recorded commands require; if the resource is currently in
// a different layout, the engine synthesizes a transition. OutputLayout
// is the layout the image is left in after the pass; it usually equals
// InputLayout unless the pass itself transitions the image (e.g. render
// passes with a finalLayout).
type Access struct {
	Resource     ResourceID
	AccessMask   vk.AccessFlags
	StageMask    vk.PipelineStageFlags
	InputLayout  vk.ImageLayout
	OutputLayout vk.ImageLayout
}
