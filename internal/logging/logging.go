// Package logging points the process-wide standard logger at stderr, a
// rotating file and any extra sinks (the web log tail).
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "rsu-par.log"

type Options struct {
	// Directory for the rotating log file. Empty disables the file.
	Directory  string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// Setup installs the output on the standard logger. The returned closer
// releases the log file, if any.
func Setup(opts Options, extra ...io.Writer) (io.Closer, error) {
	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}

	if opts.Directory != "" {
		if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Directory, logFileName),
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
		writers = append(writers, rotator)
		closer = rotator
	}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}

	log.SetOutput(io.MultiWriter(writers...))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
