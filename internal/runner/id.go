package runner

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var taskIDRegex = regexp.MustCompile(`^task_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateTaskID returns an id of the form task_<unix>_<hex8>. The
// timestamp prefix keeps ids sortable by creation time.
func GenerateTaskID() (string, error) {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return fmt.Sprintf("task_%010d_%s", time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

// ValidateTaskID reports whether id has the expected format.
func ValidateTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}

// ParseTaskTimestamp extracts the creation time embedded in a task id.
func ParseTaskTimestamp(id string) (time.Time, error) {
	if !ValidateTaskID(id) {
		return time.Time{}, fmt.Errorf("invalid task id format: %s", id)
	}
	sec, err := strconv.ParseInt(id[5:15], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse task id timestamp: %w", err)
	}
	return time.Unix(sec, 0), nil
}
