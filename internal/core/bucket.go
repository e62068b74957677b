package core

import "github.com/cespare/xxhash/v2"

// Bucket deterministically maps a (flagKey, subjectID) pair to a percentile
// bucket in [0,100). A flag with RolloutPercentage p is on for exactly the
// subjects whose bucket is below p.
//
// The hash is XXH64 over "flagKey:subjectID". The algorithm is a
// compatibility contract, not an implementation detail: changing it silently
// reshuffles every subject's bucket, which is indistinguishable from a
// correctness regression. Keying on the flag as well as the subject keeps
// rollouts of unrelated flags uncorrelated.
func Bucket(flagKey, subjectID string) int {
	return int(xxhash.Sum64String(flagKey+":"+subjectID) % 100)
}
