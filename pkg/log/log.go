// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides leveled logging shared by every subsystem of the
// fuzzer, following the conventions of the original syzkaller pkg/log:
// a global verbosity knob and a Logf(level, ...) call convention rather
// than per-package logger instances.
package log

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var verbosity atomic.Int32

// SetVerbosity sets the global log level. Messages logged with a level
// greater than the current verbosity are dropped.
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

// V reports whether the given level is currently enabled.
func V(level int) bool {
	return int32(level) <= verbosity.Load()
}

// Logf prints a leveled log message to stderr if level is within the
// current verbosity. Level 0 is always printed.
func Logf(level int, format string, args ...interface{}) {
	if !V(level) {
		return
	}
	log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf prints the message unconditionally and exits the process.
// Reserved for unrecoverable startup failures, mirroring syzkaller's
// pkg/log.Fatalf use in RPC server setup.
func Fatalf(format string, args ...interface{}) {
	log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}
