package shared

import "fmt"

// SnapshotLockKey builds the redis key guarding one shift snapshot rebuild.
func SnapshotLockKey(shiftKey string) string {
	return fmt.Sprintf("shift:%s:snapshot:lock", shiftKey)
}
