package id

import (
	"hash/fnv"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// Seed derives a stable walk seed from a job id.
func Seed(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
