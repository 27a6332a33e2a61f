//go:build !linux

package sandbox

// applyResourceLimits is a no-op off Linux; the engine limits and the
// parent's kill-on-deadline still apply.
func applyResourceLimits() {}
