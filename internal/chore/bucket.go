package chore

import (
	"fmt"

	"github.com/dukerupert/chorecheck/internal/model"
)

// Bucket is a verification queue view.
type Bucket string

const (
	BucketPending  Bucket = "pending"
	BucketVerified Bucket = "verified"
	BucketRejected Bucket = "rejected"
)

func (b Bucket) IsValid() bool {
	switch b {
	case BucketPending, BucketVerified, BucketRejected:
		return true
	}
	return false
}

// ParseBucket parses a bucket name.
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(s)
	if !b.IsValid() {
		return "", fmt.Errorf("invalid bucket: %s", s)
	}
	return b, nil
}

// Classify places an assignment in its queue bucket. Assignments that have not been
// submitted belong to no bucket.
func Classify(a model.Assignment) (Bucket, bool) {
	switch {
	case a.Verified != nil && *a.Verified:
		return BucketVerified, true
	case a.Verified != nil:
		return BucketRejected, true
	case a.Completed:
		return BucketPending, true
	}
	return "", false
}

// Buckets holds the three disjoint queue views.
type Buckets struct {
	Pending  []model.Assignment `json:"pending"`
	Verified []model.Assignment `json:"verified"`
	Rejected []model.Assignment `json:"rejected"`
}

// Partition classifies every assignment, dropping unsubmitted ones.
func Partition(as []model.Assignment) Buckets {
	var b Buckets
	for _, a := range as {
		bucket, ok := Classify(a)
		if !ok {
			continue
		}
		switch bucket {
		case BucketPending:
			b.Pending = append(b.Pending, a)
		case BucketVerified:
			b.Verified = append(b.Verified, a)
		case BucketRejected:
			b.Rejected = append(b.Rejected, a)
		}
	}
	return b
}

func (b Buckets) Get(bucket Bucket) []model.Assignment {
	switch bucket {
	case BucketPending:
		return b.Pending
	case BucketVerified:
		return b.Verified
	case BucketRejected:
		return b.Rejected
	}
	return nil
}
