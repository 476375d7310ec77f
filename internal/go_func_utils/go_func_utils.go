package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn in a new goroutine. A panic is written to logger with its stack
// before being re-raised: the terminal dashboard owns stdout, so without this the
// crash reason would be lost.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer recoverAndLog(logger)
		fn()
	}()
}

// Go is SafeGo for goroutines that are joined through wg.
func Go(logger *log.Logger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	SafeGo(logger, func() {
		defer wg.Done()
		fn()
	})
}

func recoverAndLog(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("PANIC: %v\n%s", r, debug.Stack())
		panic(r)
	}
}
