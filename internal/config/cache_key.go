package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSnapshotKey returns the cache key for the latest local snapshot of a
// student's attempt.
func (r *CacheKeyStruct) StudentSnapshotKey(assessmentID, studentID string) string {
	return fmt.Sprintf("student:%s:assessment:%s:snapshot", studentID, assessmentID)
}

var CacheKey = NewCacheKeyStruct()
