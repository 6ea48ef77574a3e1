package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Field is one structured key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F is a terse constructor for Field, meant for inline call sites such as
// log.Error("dial failed", logging.F("dest_host", host), logging.F("err", err)).
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger writes component-tagged, optionally JSON, log lines. fields carries
// this logger's permanent context (e.g. a connection's remote address and
// matched listener, attached once via With) so every line it emits repeats
// that context without the caller re-passing it at every call site.
type Logger struct {
	component string
	format    string
	out       io.Writer
	fields    []Field
}

var defaultFormat = "plain"
var defaultWriter io.Writer = os.Stdout

// Setup configures the default logger output/format. format is "plain"
// (one human-readable line per entry) or "json" (one JSON object per line,
// for log shippers that expect structured input).
func Setup(format string) {
	if strings.EqualFold(format, "json") {
		defaultFormat = "json"
		log.SetFlags(0)
		log.SetOutput(os.Stdout)
		return
	}
	defaultFormat = "plain"
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)
}

// New returns a component-specific logger using the default format/output.
func New(component string) *Logger {
	return &Logger{
		component: component,
		format:    defaultFormat,
		out:       defaultWriter,
	}
}

// With returns a derived Logger that tags every entry it emits with fields
// in addition to whatever fields that call itself passes — e.g. a
// per-connection logger tagged once with remote_addr and listener, then
// reused across that connection's lifecycle log lines instead of repeating
// the tag at every call site.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{component: l.component, format: l.format, out: l.out, fields: merged}
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log("INFO", msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log("ERROR", msg, fields...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.log("INFO", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log("ERROR", fmt.Sprintf(format, args...))
}

func (l *Logger) log(level, msg string, fields ...Field) {
	all := fields
	if len(l.fields) > 0 {
		all = make([]Field, 0, len(l.fields)+len(fields))
		all = append(all, l.fields...)
		all = append(all, fields...)
	}
	if l.format == "json" {
		l.writeJSON(level, msg, all...)
		return
	}
	l.writePlain(level, msg, all...)
}

func (l *Logger) writePlain(level, msg string, fields ...Field) {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(level)
	sb.WriteString("]")
	if l.component != "" {
		sb.WriteString("[")
		sb.WriteString(l.component)
		sb.WriteString("]")
	}
	if len(fields) > 0 {
		sb.WriteString(" ")
		for i, f := range fields {
			sb.WriteString(fmt.Sprintf("%s=%v", f.Key, f.Value))
			if i != len(fields)-1 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString(" ")
	}
	sb.WriteString(msg)
	log.Print(sb.String())
}

func (l *Logger) writeJSON(level, msg string, fields ...Field) {
	entry := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"component": l.component,
		"msg":       msg,
	}
	if len(fields) > 0 {
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			m[f.Key] = f.Value
		}
		entry["fields"] = m
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}
