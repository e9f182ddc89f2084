package main

import (
	"fmt"
	"log"
)

// appLogger adapts the process loggers to the Infof/Errorf interface the
// internal packages expect.
type appLogger struct {
	info *log.Logger
	err  *log.Logger
}

func newLogger(info, err *log.Logger) appLogger {
	return appLogger{info: info, err: err}
}

func (l appLogger) Infof(format string, args ...interface{}) {
	_ = l.info.Output(2, fmt.Sprintf(format, args...))
}

func (l appLogger) Errorf(format string, args ...interface{}) {
	_ = l.err.Output(2, fmt.Sprintf(format, args...))
}
