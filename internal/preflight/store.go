package preflight

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// CheckCatalogStore verifies the catalog database passes SQLite's
// integrity check. The catalog holds the product vectors, so a corrupt
// file means every search result is suspect.
func (c *Checker) CheckCatalogStore(path string) CheckResult {
	return c.checkStoreIntegrity("catalog_store", path,
		"Re-import the feed to rebuild the catalog")
}

// CheckFeedbackStore verifies the feedback database. Labeled examples
// are irreplaceable, so the suggestion points at backups, not rebuilds.
func (c *Checker) CheckFeedbackStore(path string) CheckResult {
	return c.checkStoreIntegrity("feedback_store", path,
		"Restore the feedback database from a backup")
}

func (c *Checker) checkStoreIntegrity(name, path, suggestion string) CheckResult {
	result := CheckResult{
		Name:     name,
		Required: true,
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		result.Status = StatusPass
		result.Message = "not created yet"
		return result
	}
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot stat %s: %v", path, err)
		return result
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot open: %v", err)
		return result
	}
	defer func() { _ = db.Close() }()

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("integrity check failed: %v", err)
		result.Details = suggestion
		return result
	}
	if check != "ok" {
		result.Status = StatusFail
		result.Message = "database corrupted: " + check
		result.Details = suggestion
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("ok (%s)", formatBytes(uint64(info.Size())))
	return result
}
