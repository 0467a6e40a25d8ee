package port

import "time"

type Sink interface {
	// Live line: overwrite last line (no newline)
	WriteLive(line string) error
	// Snapshot line: append a timestamped line, leave an empty line for the next live update
	WriteSnapshot(ts time.Time, line string) error
	// WriteLine prints a plain report line
	WriteLine(line string) error
	// Normal newline (for logs)
	NewLine() error
}
