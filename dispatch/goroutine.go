package dispatch

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// curGoroutineID parses the current goroutine's id from the runtime stack
// header. The runtime does not expose goroutine identity directly; this is
// the same parse net/http and grpc-go use for their own ownership checks.
func curGoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)

	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		panic("dispatch: could not parse goroutine id from stack header")
	}

	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		panic("dispatch: could not parse goroutine id: " + err.Error())
	}
	return id
}
