package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	sinkMu  sync.Mutex
	sink    io.Writer = os.Stderr
	enabled           = os.Getenv("DEBUG") == "true"
)

// SetOutput redirects log lines to w and enables output regardless of DEBUG.
func SetOutput(w io.Writer) {
	sinkMu.Lock()
	sink = w
	enabled = w != nil
	sinkMu.Unlock()
}

func writeLog(c consoleType, s string) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if enabled && sink != nil {
		fmt.Fprintf(sink, "%s: %s\n", c.String(), s)
	}
}
