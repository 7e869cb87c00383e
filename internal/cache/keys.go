package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// DailyQuotaKey counts extraction calls per calendar day (YYYY-MM-DD).
func DailyQuotaKey(day string) string {
	return fmt.Sprintf("quota:extract:%s", day)
}

// FolderMapKey caches the establishment folder routing table built from the
// database, so the change-feed watcher resolves parents without a query per
// change.
func FolderMapKey() string {
	return "drive:folder-map"
}

func FileLockKey(fileID string) string {
	return fmt.Sprintf("lock:file:%s", fileID)
}

// UploadContentKey stages the bytes of a direct upload between the HTTP
// handler and the job that processes them.
func UploadContentKey(fileID string) string {
	return fmt.Sprintf("upload:content:%s", fileID)
}
