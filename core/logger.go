package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a ProductionLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a level name to a LogLevel. Unknown names
// default to InfoLevel.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	}
	return InfoLevel
}

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	}
	return "INFO"
}

// ProductionLogger writes one JSON object per line. It implements both
// Logger and ComponentAwareLogger, so kernel components can tag their
// output with a component name. Safe for concurrent use; child loggers
// created by WithComponent share the parent's writer and mutex.
type ProductionLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewProductionLogger creates a JSON logger writing to stdout at the
// level named by the LOG_LEVEL environment variable (default INFO).
func NewProductionLogger() *ProductionLogger {
	return NewProductionLoggerWithOptions(os.Stdout, ParseLogLevel(os.Getenv("LOG_LEVEL")))
}

// NewProductionLoggerWithOptions creates a JSON logger with an explicit
// writer and level. Tests use this to capture output.
func NewProductionLoggerWithOptions(out io.Writer, level LogLevel) *ProductionLogger {
	if out == nil {
		out = os.Stdout
	}
	return &ProductionLogger{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// WithComponent returns a child logger that stamps every entry with the
// given component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		component: component,
	}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, msg, fields)
}

func (l *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors carry no JSON representation; flatten to their message.
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// A field that cannot marshal should not silence the entry.
		line = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"message":%q,"logError":%q}`,
			time.Now().UTC().Format(time.RFC3339Nano), level.String(), msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n')) //nolint:errcheck
}
