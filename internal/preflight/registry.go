package preflight

import (
	"fmt"

	"fotopoisk/internal/registry"
)

// CheckModelRegistry verifies the active model pointer resolves to a
// readable artifact. A pointer naming a deleted artifact would otherwise
// only surface when serve tries to load the adapter.
func (c *Checker) CheckModelRegistry(dir string) CheckResult {
	result := CheckResult{
		Name:     "model_registry",
		Required: true,
	}

	reg, err := registry.NewRegistry(dir, "", nil)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot open registry: %v", err)
		return result
	}

	active, err := reg.Active()
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		result.Details = "Promote an existing version or restore a backup"
		return result
	}

	artifacts, err := reg.List("")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot list artifacts: %v", err)
		return result
	}

	if active.Version == registry.BaseVersion {
		result.Message = "no promotion yet (base adapter active)"
	} else {
		result.Message = fmt.Sprintf("active: %s (%s)", active.Version, active.Origin)
	}
	result.Status = StatusPass
	result.Details = fmt.Sprintf("%d artifact(s) under %s", len(artifacts), dir)
	return result
}
