package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	debugMu   sync.Mutex
	debugFile *os.File
	logsDir   string
)

const logPrefix = "debug-"

// ConfigureDebug opens a fresh timestamped log file under dir.
// Until it is called Debug discards everything.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debugFile != nil {
		_ = debugFile.Close()
		debugFile = nil
	}
	logsDir = dir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := logPrefix + time.Now().Format("20060102-150405") + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	debugFile = f
}

// Debug writes a message to the debug log file
func Debug(format string, args ...any) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugFile == nil {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(debugFile, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
	_ = debugFile.Sync()
}

// CleanupLogs removes all but the newest keep log files
func CleanupLogs(keep int) {
	debugMu.Lock()
	dir := logsDir
	debugMu.Unlock()
	if dir == "" || keep < 1 {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var logs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), logPrefix) || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		logs = append(logs, e.Name())
	}
	if len(logs) <= keep {
		return
	}
	// Names embed a sortable timestamp
	sort.Strings(logs)
	for _, name := range logs[:len(logs)-keep] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}
