//go:build !cuda

package whisper

// Variant names the inference build compiled into this binary. The CPU
// build links plain whisper.cpp; see variant_gpu.go for the CUDA build.
const Variant = "cpu"

// verifyDevice is a no-op for the CPU variant.
func verifyDevice() error { return nil }
