package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxOwnerPart = 16

// NewJobID returns an opaque job id built from the owner, the creation time and a random suffix.
// Format: job_<owner>_<yyyymmddThhmmss>_<8 hex chars>.
func NewJobID(owner string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("job_%s_%s_%s", sanitizeOwner(owner), now.UTC().Format("20060102T150405"), suffix)
}

// ItemID derives the stable id of the item at position idx within a job.
func ItemID(jobID string, idx int) string {
	return fmt.Sprintf("%s-%04d", jobID, idx)
}

func sanitizeOwner(owner string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(owner) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
		if b.Len() >= maxOwnerPart {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
