package logger

import (
	"io"
)

// MockLogger writes everything, down to trace, to the given writer. Tests pass GinkgoWriter.
func MockLogger(writer io.Writer) *Logger {
	level := TraceLevel
	config := &Config{
		ConsoleWriters: []io.Writer{writer},
		LogLevel:       &level,
	}

	if logger, err := New(config); err == nil {
		return logger
	}
	return nil
}
