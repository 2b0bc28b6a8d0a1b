// Package log provides the global structured logger used across the node.
// It wraps zerolog with a console writer, caller annotation and a small
// helper surface (leveled, formatted and key/value variants).
package log

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	// RFC3339Milli is like time.RFC3339Nano but with 3 fixed-width decimals.
	RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
)

var (
	log   zerolog.Logger
	logMu sync.RWMutex
)

func init() {
	// Allow overriding the default log level via $LOG_LEVEL so the
	// environment variable also applies when running tests. Initializing
	// here keeps the logger usable before Init is called.
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "error"
	}
	Init(level, "stderr")
}

// Logger provides access to the global logger (zerolog).
func Logger() *zerolog.Logger {
	logger := getLogger()
	return &logger
}

func getLogger() zerolog.Logger {
	logMu.RLock()
	logger := log
	logMu.RUnlock()
	return logger
}

func setLogger(logger zerolog.Logger) {
	logMu.Lock()
	log = logger
	logMu.Unlock()
}

// Init configures the global logger with the given level and output.
// Output is "stdout", "stderr" or a file path; a path ending in ".json"
// receives the raw JSON stream while the console copy goes to stdout.
func Init(level, output string) {
	var out io.Writer
	outputs := []io.Writer{}
	switch output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			panic(fmt.Sprintf("cannot create log output: %v", err))
		}
		out = f
		if strings.HasSuffix(output, ".json") {
			outputs = append(outputs, f)
			out = os.Stdout
		}
	}
	out = zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: RFC3339Milli,
	}
	outputs = append(outputs, out)
	if len(outputs) > 1 {
		out = zerolog.MultiLevelWriter(outputs...)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// Include caller, increasing SkipFrameCount to account for this wrapper.
	logger = logger.With().Caller().Logger()
	zerolog.CallerSkipFrameCount = 3
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}

	switch level {
	case LogLevelDebug:
		logger = logger.Level(zerolog.DebugLevel)
	case LogLevelInfo:
		logger = logger.Level(zerolog.InfoLevel)
	case LogLevelWarn:
		logger = logger.Level(zerolog.WarnLevel)
	case LogLevelError:
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		panic(fmt.Sprintf("invalid log level: %q", level))
	}

	setLogger(logger)
	logger.Info().Msgf("logger construction succeeded at level %s with output %s", level, output)
}

// Level returns the current log level.
func Level() string {
	logger := getLogger()
	switch level := logger.GetLevel(); level {
	case zerolog.DebugLevel:
		return LogLevelDebug
	case zerolog.InfoLevel:
		return LogLevelInfo
	case zerolog.WarnLevel:
		return LogLevelWarn
	case zerolog.ErrorLevel:
		return LogLevelError
	default:
		panic(fmt.Sprintf("invalid log level: %q", level))
	}
}

// panicOnErrorHook triggers a handler (panic by default) when Error level
// logs occur. Used by integration tests to catch unexpected errors.
type panicOnErrorHook struct {
	TestName string
	Delay    time.Duration
	Handler  func(string)
	once     sync.Once
}

func (h *panicOnErrorHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level >= zerolog.ErrorLevel {
		panicMsg := fmt.Sprintf("ERROR found in logs during test %s: %s", h.TestName, msg)
		h.once.Do(func() {
			delay := h.Delay
			if delay <= 0 {
				delay = time.Second
			}
			handler := h.Handler
			if handler == nil {
				handler = func(message string) { panic(message) }
			}
			time.AfterFunc(delay, func() {
				handler(panicMsg)
			})
		})
	}
}

// EnablePanicOnError installs a hook on the current logger that makes it
// panic when Error level logs occur. Returns the previous logger so it can
// be restored later.
func EnablePanicOnError(testName string) zerolog.Logger {
	return EnablePanicOnErrorWithHandler(testName, time.Second, nil)
}

// EnablePanicOnErrorWithHandler installs a hook on the current logger that
// triggers the handler after the provided delay when Error level logs occur.
// If handler is nil, it panics with the error message.
func EnablePanicOnErrorWithHandler(testName string, delay time.Duration, handler func(string)) zerolog.Logger {
	previousLogger := getLogger()
	setLogger(previousLogger.Hook(&panicOnErrorHook{
		TestName: testName,
		Delay:    delay,
		Handler:  handler,
	}))
	return previousLogger
}

// RestoreLogger restores a previously saved logger, removing any hooks.
func RestoreLogger(previousLogger zerolog.Logger) {
	setLogger(previousLogger)
}

// Debug sends a debug level log message
func Debug(args ...any) {
	logger := getLogger()
	if logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	logger.Debug().Msg(fmt.Sprint(args...))
}

// Info sends an info level log message
func Info(args ...any) {
	logger := getLogger()
	logger.Info().Msg(fmt.Sprint(args...))
}

// Monitor is a wrapper around Info that takes a map of key-value pairs.
// Useful for periodic stats lines; the caller information is skipped.
func Monitor(msg string, args map[string]any) {
	logger := getLogger()
	logger.Info().CallerSkipFrame(100).Fields(args).Msg(msg)
}

// Warn sends a warn level log message
func Warn(args ...any) {
	logger := getLogger()
	logger.Warn().Msg(fmt.Sprint(args...))
}

// Error sends an error level log message
func Error(args ...any) {
	logger := getLogger()
	logger.Error().Msg(fmt.Sprint(args...))
}

// Fatal sends a fatal level log message
func Fatal(args ...any) {
	logger := getLogger()
	logger.Fatal().Msg(fmt.Sprint(args...) + "\n" + string(debug.Stack()))
	// We don't support log levels lower than "fatal". Help analyzers like
	// staticcheck see that, in this package, Fatal will always exit the
	// entire program.
	panic("unreachable")
}

// Debugf sends a formatted debug level log message
func Debugf(template string, args ...any) {
	Logger().Debug().Msgf(template, args...)
}

// Infof sends a formatted info level log message
func Infof(template string, args ...any) {
	Logger().Info().Msgf(template, args...)
}

// Warnf sends a formatted warn level log message
func Warnf(template string, args ...any) {
	Logger().Warn().Msgf(template, args...)
}

// Errorf sends a formatted error level log message
func Errorf(template string, args ...any) {
	Logger().Error().Msgf(template, args...)
}

// Fatalf sends a formatted fatal level log message
func Fatalf(template string, args ...any) {
	Logger().Fatal().Msgf(template+"\n"+string(debug.Stack()), args...)
}

// Debugw sends a debug level log message with key-value pairs.
func Debugw(msg string, keyvalues ...any) {
	Logger().Debug().Fields(keyvalues).Msg(msg)
}

// Infow sends an info level log message with key-value pairs.
func Infow(msg string, keyvalues ...any) {
	Logger().Info().Fields(keyvalues).Msg(msg)
}

// Warnw sends a warning level log message with key-value pairs.
func Warnw(msg string, keyvalues ...any) {
	Logger().Warn().Fields(keyvalues).Msg(msg)
}

// Errorw sends an error level log message with a special format for errors.
func Errorw(err error, msg string) {
	Logger().Error().Err(err).Msg(msg)
}
