/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 30 13:41:33 2017 mstenber
 * Last modified: Mon Oct 15 11:40:51 2018 mstenber
 * Edit time:     131 min
 *
 */

// mlog is maybe-log. It is small wrapper of standard 'log' used for
// debug tracing:
//
// - environment-variable-based (MLOG) and 'flag' (-mlog) regular
// expression chooses which files print; what is not printed does not
// cause any overhead either (by default, everything is off)
//
// - call stack depth is used to determine indentation automatically
//
// Operational logging is done with zap; SetZapLogger routes the
// traces there too.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-cowfs/util/gid"
	"go.uber.org/zap"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateDisabled
	stateEnabled
)

var status = stateUninitialized

var mutex sync.Mutex

// Everything below must be used only with mutex held
var flagPattern *string
var patternRegexp *regexp.Regexp
var pattern string
var file2Debug map[string]bool
var minDepth int
var callers []uintptr
var dumpGids = true

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file regular expression")
	reset()
}

func reset() {
	mutex.Lock()
	defer mutex.Unlock()
	atomic.StoreInt32(&status, stateUninitialized)
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the output logger. The returned function
// restores the previous one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldLogger := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = oldLogger
	}
}

// SetZapLogger sends the output to zap at debug level.
func SetZapLogger(z *zap.Logger) (undo func()) {
	l, err := zap.NewStdLogAt(z.Named("mlog"), zap.DebugLevel)
	if err != nil {
		l = zap.NewStdLog(z.Named("mlog"))
	}
	return SetLogger(l)
}

// SetPattern sets the mlog pattern by hand, overriding the
// environment variable-provided values.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldPattern := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(oldPattern)
	}
}

func initializeWithPattern(p string) {
	pattern = p
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]bool)
	minDepth = maxDepth
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	initializeWithPattern(p)
}

// Printf is drop-in replacement of log.Printf. It does
// runtime.Caller() if MLOG is enabled at all.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is supplied with the name of the file, and therefore has no
// runtime penalty to speak of when using only partial MLOG match.
func Printf2(file string, format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if atomic.LoadInt32(&status) == stateUninitialized {
		initialize()
		if atomic.LoadInt32(&status) == stateDisabled {
			return
		}
	}
	debug, ok := file2Debug[file]
	if !ok {
		debug = patternRegexp.MatchString(file)
		file2Debug[file] = debug
	}
	if !debug {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = strings.Repeat(".", depth) + format
	}
	if dumpGids {
		format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	}
	logger.Printf(format, args...)
}

// Panicf logs the message (regardless of pattern) and panics; used
// for broken internal invariants.
func Panicf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	mutex.Lock()
	l := logger
	mutex.Unlock()
	l.Print(s)
	panic(s)
}
