//go:build cuda

package whisper

import (
	"fmt"
	"os"
)

// Variant names the inference build compiled into this binary. The CUDA
// build must be linked against a whisper.cpp compiled with GGML_CUDA=1.
const Variant = "cuda"

// verifyDevice checks that a CUDA device is visible before the model load
// is attempted, so a misconfigured host fails with a clear message instead
// of a CGO abort deep inside ggml.
func verifyDevice() error {
	if _, err := os.Stat("/dev/nvidiactl"); err != nil {
		return fmt.Errorf("whisper: cuda variant but no NVIDIA device visible: %w", err)
	}
	return nil
}
