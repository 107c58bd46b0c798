// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"github.com/opwallet/sponsord/relay"
)

const maxLogRolls = 16

// logWriter implements an io.Writer that outputs to a rotating log file,
// optionally mirroring to stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// initLogging initializes the log rotator to write logs to logPath and
// creates the subsystem logger maker. The returned close function must be
// called on shutdown.
func initLogging(logPath, lvl string, stdout bool) (*relay.LoggerMaker, func(), error) {
	err := os.MkdirAll(filepath.Dir(logPath), 0700)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logPath, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := relay.NewLoggerMaker(&logWriter{Rotator: logRotator, stdout: stdout}, lvl)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("failed to create logger maker: %w", err)
	}
	return lm, func() { logRotator.Close() }, nil
}
