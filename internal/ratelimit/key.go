package ratelimit

import "fmt"

// LeaseKey builds the limiter key for a user's lease requests.
func LeaseKey(userID uint64) string {
	if userID == 0 {
		return ""
	}
	return fmt.Sprintf("lease:u:%d", userID)
}
