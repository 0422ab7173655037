package mesh

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/kwv/tudoscan/cloud"
)

// LoadScanDir loads every scan-*.json and *.pcd file in dir. The robot ID is
// the file name without the "scan-" prefix and extension. Unreadable files
// are logged and skipped.
func LoadScanDir(dir string) map[string]*cloud.PointSet[float64] {
	scans := make(map[string]*cloud.PointSet[float64])

	var files []string
	for _, pattern := range []string{"scan-*.json", "*.pcd"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	for _, file := range files {
		id := ScanIDFromPath(file)
		ps, err := cloud.ParseScanFile(file)
		if err != nil {
			log.Printf("Warning: Failed to load %s: %v", file, err)
			continue
		}
		if _, dup := scans[id]; dup {
			log.Printf("Warning: %s: robot %s already loaded, skipping", file, id)
			continue
		}
		scans[id] = ps
	}

	return scans
}

// ScanIDFromPath derives a robot ID from a scan file name.
func ScanIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, "scan-")
}
