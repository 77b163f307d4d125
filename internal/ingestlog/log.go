// Package ingestlog is the process-wide logger.
//
// It follows the teacher's plain, mutex-serialized stdout logger rather than
// pulling in a structured logging library: every example repo in the
// retrieved pack that touches RTMP ingest logs this way, so the ambient
// stack keeps doing it this way too.
package ingestlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var mu sync.Mutex

func line(l string) {
	tm := time.Now()
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("[%s] %s\n", tm.Format("2006-01-02 15:04:05"), l)
}

func Info(msg string) {
	line("[INFO] " + msg)
}

func Warning(msg string) {
	line("[WARNING] " + msg)
}

func Error(err error) {
	if err == nil {
		return
	}
	line("[ERROR] " + err.Error())
}

func ErrorMessage(msg string) {
	line("[ERROR] " + msg)
}

var debugEnabled = os.Getenv("LOG_DEBUG") == "YES"

func Debug(msg string) {
	if debugEnabled {
		line("[DEBUG] " + msg)
	}
}

// DebugSession logs a debug line tagged with a session id and a remote address.
func DebugSession(sessionID string, remote string, msg string) {
	if debugEnabled {
		line("[DEBUG] #" + sessionID + " (" + remote + ") " + msg)
	}
}

var requestsEnabled = os.Getenv("LOG_REQUESTS") != "NO"

// Request logs a one-line summary of a session lifecycle event (connect,
// publish, close...), gated separately from debug logging so it can stay on
// in production.
func Request(sessionID string, remote string, msg string) {
	if requestsEnabled {
		line("[REQUEST] #" + sessionID + " (" + remote + ") " + msg)
	}
}
