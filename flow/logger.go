package flow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	callerField = "caller"

	traceSpanIdWidth = 16
	fnWidth          = 30
	levelWidth       = 5
)

var (
	logger = logrus.New()

	logBufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}

	callerUintptrPool = sync.Pool{
		New: func() any {
			p := make([]uintptr, 4)
			return &p
		},
	}
)

func init() {
	logger.SetReportCaller(false) // caller is resolved by Rail
	logger.SetFormatter(CustomFormatter())
}

// Fixed-width formatter:
//
//	2006-01-02 15:04:05.000 INFO  [traceId         ,spanId          ]  bus.(*Bus).Publish          : message
type CTFormatter struct {
}

func (c *CTFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fn string
	if caller, ok := entry.Data[callerField].(string); ok {
		fn = caller
	}

	var traceId string
	var spanId string
	if v, ok := entry.Data[XTraceId].(string); ok {
		traceId = v
	}
	if v, ok := entry.Data[XSpanId].(string); ok {
		spanId = v
	}

	levelstr := toLevelStr(entry.Level)

	b := logBufPool.Get().(*bytes.Buffer)
	defer putLogBuf(b)

	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(padRight(levelstr, levelWidth))
	b.WriteString(" [")
	b.WriteString(padRight(traceId, traceSpanIdWidth))
	b.WriteByte(',')
	b.WriteString(padRight(spanId, traceSpanIdWidth))
	b.WriteString("]  ")
	b.WriteString(padRight(fn, fnWidth))
	b.WriteString(" : ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	// the buffer is returned to the pool, logrus expects a slice it owns
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

func putLogBuf(b *bytes.Buffer) {
	b.Reset()
	logBufPool.Put(b)
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// Get custom formatter logrus
func CustomFormatter() logrus.Formatter {
	return &CTFormatter{}
}

type RollingLogFileParam struct {
	Filename   string // filename
	MaxSize    int    // max file size in mb
	MaxAge     int    // max age in day
	MaxBackups int    // max number of files
}

// Create rolling file based writer.
func BuildRollingLogFileWriter(p RollingLogFileParam) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   p.Filename,
		MaxSize:    p.MaxSize,
		MaxAge:     p.MaxAge,
		MaxBackups: p.MaxBackups,
		LocalTime:  true,
		Compress:   false,
	}
}

// Write logs to both stdout and a rolling log file.
//
// The returned io.Closer should be closed on shutdown.
func SetLogFile(p RollingLogFileParam) io.Closer {
	w := BuildRollingLogFileWriter(p)
	logger.SetOutput(io.MultiWriter(os.Stdout, w))
	return w
}

// Redirect log output, mainly for tests.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

func toLevelStr(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel:
		return "TRACE"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.PanicLevel:
		return "PANIC"
	}
	return "UNKNOWN"
}

// Parse log level
func ParseLogLevel(logLevel string) (logrus.Level, bool) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		return logrus.InfoLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "WARN":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "TRACE":
		return logrus.TraceLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

func SetLogLevel(level string) {
	ll, ok := ParseLogLevel(level)
	if !ok {
		return
	}
	logger.SetLevel(ll)
}

func IsDebugLevel() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// append the stack trace of the last error argument, if it's captured by errs.
func appendErrStack(format string, args ...any) string {
	if format != "" && len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	for i := len(args) - 1; i > -1; i-- {
		err, ok := args[i].(error)
		if !ok || err == nil {
			continue
		}
		if stackTrace, withStack := errs.UnwrapErrStack(err); withStack {
			format += stackTrace
		}
		break
	}
	return format
}

func callerFn(skip int) string {
	pcs := callerUintptrPool.Get().(*[]uintptr)
	defer func() {
		clear(*pcs)
		callerUintptrPool.Put(pcs)
	}()

	depth := runtime.Callers(skip, *pcs)
	if depth < 1 {
		return ""
	}
	frames := runtime.CallersFrames((*pcs)[:depth])
	f, _ := frames.Next()
	return shortFnName(f.Function)
}

func shortFnName(fn string) string {
	j := strings.LastIndexByte(fn, '/')
	if j < 0 {
		return fn
	}
	return fn[j+1:]
}
