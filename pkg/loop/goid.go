package loop

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID parses the id of the calling goroutine from its stack header,
// which always starts with "goroutine <id> [".
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	field := strings.Fields(strings.TrimPrefix(string(buf), "goroutine "))[0]
	id, _ := strconv.ParseUint(field, 10, 64)
	return id
}
