package cache

import "fmt"

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// InFlightKey namespaces an in-flight lock, keyed by user and job type.
func InFlightKey(key string) string {
	return fmt.Sprintf("inflight:%s", key)
}

// ResultKey namespaces a cached simulation result by job type, job uid and
// the job's last update, so a re-run never serves the previous result.
func ResultKey(jobType, uid string, version int64) string {
	return fmt.Sprintf("result:%s:%s:%d", jobType, uid, version)
}
