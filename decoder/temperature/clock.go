package temperature

import "time"

// nowMillis is swappable in tests to pin measurement timestamps.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
