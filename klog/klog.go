// Package klog is the kernel core's logging façade: structured
// logging via github.com/sirupsen/logrus, used to narrate bring-up
// and faults instead of writing straight to a console.
package klog

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the shared kernel logger.
var Log = logrus.New()

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Fields is a shorthand for logrus.Fields, re-exported so callers
// don't need a second import for call sites that only log.
type Fields = logrus.Fields

// Callerdump renders the call stack starting at depth `start`, used
// by panic handling to produce a symbolicated stack trace.
func Callerdump(start int) string {
	var b strings.Builder
	i := start
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if b.Len() != 0 {
			b.WriteString("\n\t<-")
		}
		fmt.Fprintf(&b, "%s:%d", f, l)
		i++
	}
	return b.String()
}

// StackBytes returns up to n bytes of buf formatted as a hexdump, used
// to capture the faulting thread's top stack bytes in a panic record.
func StackBytes(buf []byte, n int) string {
	if n > len(buf) {
		n = len(buf)
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i != 0 && i%16 == 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%02x ", buf[i])
	}
	return b.String()
}

// Panic logs a structured kernel-panic record (register frame fields
// passed via extra, a caller-dump stack trace, and a stack hexdump)
// then panics. It does not stop the other simulated cores, and no
// other package does so on a panic either.
func Panic(reason string, extra Fields, stackBuf []byte) {
	fields := Fields{"trace": Callerdump(2)}
	for k, v := range extra {
		fields[k] = v
	}
	if stackBuf != nil {
		fields["stack_hex"] = StackBytes(stackBuf, 128)
	}
	Log.WithFields(fields).Error(reason)
	panic(reason)
}
