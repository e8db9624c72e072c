package receipt

import (
	"fmt"

	"github.com/google/uuid"
)

// NewJobID returns a random job id
func NewJobID() string {
	return uuid.NewString()
}

// FrameID derives a stable frame id so re-runs of a job reuse the same ids
func FrameID(jobID string, index int) string {
	return childID(jobID, "frame", index)
}

// ReceiptID derives a stable receipt id from the job and cluster sequence
func ReceiptID(jobID string, sequence int) string {
	return childID(jobID, "receipt", sequence)
}

// EntryID derives a stable journal entry id from the job and receipt sequence
func EntryID(jobID string, sequence int) string {
	return childID(jobID, "journal", sequence)
}

func childID(jobID, kind string, n int) string {
	ns, err := uuid.Parse(jobID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(jobID))
	}
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s/%d", kind, n))).String()
}
