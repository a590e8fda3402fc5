package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation.
//
// Output format follows LoggingConfig.Format:
//   - "json": one JSON object per line, suited for log aggregation
//   - "text": human-readable lines for local development
//
// Levels are filtered against LoggingConfig.Level. DevelopmentConfig.DebugLogging
// forces debug output regardless of the configured level.
type ProductionLogger struct {
	level       int
	format      string
	timeFormat  string
	serviceName string
	component   string

	mu  *sync.Mutex
	out io.Writer
}

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewProductionLogger creates a logger from the logging and development sections
// of Config. It returns the Logger interface so callers never depend on the concrete type.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	level, ok := logLevels[strings.ToUpper(logging.Level)]
	if !ok {
		level = logLevels["INFO"]
	}
	if dev.DebugLogging {
		level = logLevels["DEBUG"]
	}

	format := strings.ToLower(logging.Format)
	if dev.PrettyLogs {
		format = "text"
	}
	if format != "json" {
		format = "text"
	}

	timeFormat := logging.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(logging.Output, "stderr") {
		out = os.Stderr
	}

	return &ProductionLogger{
		level:       level,
		format:      format,
		timeFormat:  timeFormat,
		serviceName: serviceName,
		mu:          &sync.Mutex{},
		out:         out,
	}
}

// WithComponent returns a child logger sharing output and configuration
// with the parent, tagging every entry with component.
func (p *ProductionLogger) WithComponent(component string) Logger {
	child := *p
	child.component = component
	return &child
}

// SetOutput redirects log output (useful for testing)
func (p *ProductionLogger) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = w
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log("INFO", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log("WARN", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.log("ERROR", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.log("DEBUG", msg, fields)
}

func (p *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if logLevels[level] < p.level {
		return
	}

	timestamp := time.Now().Format(p.timeFormat)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		for k, v := range fields {
			if _, reserved := entry[k]; reserved {
				continue
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.out, string(data))
		}
		return
	}

	var b strings.Builder
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}

	source := p.serviceName
	if p.component != "" {
		source = p.serviceName + "/" + p.component
	}
	fmt.Fprintf(p.out, "%s [%s] [%s] %s%s\n", timestamp, level, source, msg, b.String())
}
