package storage

import "time"

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// bucketTimestamp rounds a unix time down to the hour, so stored metadata
// does not reveal when within the hour a message passed through
func bucketTimestamp(unix int64) int64 {
	return time.Unix(unix, 0).UTC().Truncate(time.Hour).Unix()
}
