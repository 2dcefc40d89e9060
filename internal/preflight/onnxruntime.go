package preflight

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/ebitengine/purego"
)

// CheckONNXRuntime probes the onnxruntime shared library with dlopen.
// ONNX Runtime is loaded at runtime rather than linked, so a missing or
// broken library otherwise surfaces as an opaque init failure deep inside
// the first embedding call.
func (c *Checker) CheckONNXRuntime(libraryPath string) CheckResult {
	result := CheckResult{
		Name:     "onnx_runtime",
		Required: true,
	}

	var candidates []string
	if libraryPath != "" {
		candidates = []string{libraryPath}
	} else {
		switch runtime.GOOS {
		case "darwin":
			candidates = []string{"libonnxruntime.dylib", "onnxruntime.dylib"}
		case "linux":
			candidates = []string{"libonnxruntime.so", "libonnxruntime.so.1"}
		default:
			result.Status = StatusWarn
			result.Required = false
			result.Message = fmt.Sprintf("library probe not supported on %s", runtime.GOOS)
			return result
		}
	}

	var failures []string
	for _, path := range candidates {
		lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		_ = purego.Dlclose(lib)
		result.Status = StatusPass
		result.Message = "loaded " + path
		return result
	}

	result.Status = StatusFail
	result.Message = "onnxruntime library not loadable"
	result.Details = "Install ONNX Runtime or set embedding.onnx.library_path (" +
		strings.Join(failures, "; ") + ")"
	return result
}
