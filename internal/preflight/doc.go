// Package preflight validates the environment before the service starts
// taking traffic. It backs the doctor command and the first-run check in
// serve.
//
// The package validates:
//   - Configuration validity
//   - Write permissions and disk space under the data directory
//   - File descriptor limits (minimum 1024)
//   - SQLite integrity of the catalog and feedback stores
//   - Model registry active pointer resolution
//   - Embedding backend availability, including a dlopen probe of the
//     onnxruntime shared library for the in-process provider
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, cfg)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
