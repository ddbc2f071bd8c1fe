package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/audiarr-project/audiarr/internal/db"
)

// Formats that cannot be imported as-is and must pass through the conversion
// collaborator first.
var convertFormats = map[string]struct{}{
	"aax":             {},
	"aaxc":            {},
	"audible":         {},
	"proprietary_enc": {},
}

var convertExtensions = map[string]struct{}{
	".aax":  {},
	".aaxc": {},
}

// NeedsConversion is evaluated exactly once, when an item reaches
// download_complete. Three independent signals are checked and any one of
// them forces conversion: an unplayable container must never slip through to
// import because a single signal was missing.
func NeedsConversion(item *db.QueueItem) bool {
	if item.ForceConversion {
		return true
	}
	if _, ok := convertFormats[strings.ToLower(item.DeclaredFormat)]; ok {
		return true
	}
	ext := strings.ToLower(filepath.Ext(item.AcquiredPath))
	_, ok := convertExtensions[ext]
	return ok
}
