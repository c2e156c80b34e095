package logging

import "path/filepath"

// DefaultLogPath returns the engine log file path under a workspace's
// memory directory.
func DefaultLogPath(workspaceMemoryDir string) string {
	return filepath.Join(workspaceMemoryDir, "hypermemory.log")
}
