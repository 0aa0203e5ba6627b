// Package logflags defines and configures the per-component loggers.
package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var any = false
var unwind = false
var maps = false
var minielf = false
var ptrace = false
var comms = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

// Unwind returns true if the stack walk should be logged.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the stack walk.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// Maps returns true if memory map loading should be logged.
func Maps() bool {
	return maps
}

// MapsLogger returns a logger for memory map loading.
func MapsLogger() Logger {
	return makeFlaggableLogger(maps, Fields{"layer": "maps"})
}

// MiniElf returns true if ELF symbol loading should be logged.
func MiniElf() bool {
	return minielf
}

// MiniElfLogger returns a logger for ELF symbol loading.
func MiniElfLogger() Logger {
	return makeFlaggableLogger(minielf, Fields{"layer": "minielf"})
}

// Ptrace returns true if trace session arbitration should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for trace session arbitration.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "ptrace"})
}

// Comms returns true if the report channel should be logged.
func Comms() bool {
	return comms
}

// CommsLogger returns a logger for the report channel.
func CommsLogger() Logger {
	return makeFlaggableLogger(comms, Fields{"layer": "comms"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "trace-log-dest")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwind"
	}
	any = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value here, update the log-output flag
		// documentation in cmd/sbxtrace.
		switch logcmd {
		case "unwind":
			unwind = true
		case "maps":
			maps = true
		case "minielf":
			minielf = true
		case "ptrace":
			ptrace = true
		case "comms":
			comms = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, expected one of unwind, maps, minielf, ptrace or comms\n", logcmd)
		}
	}
	return nil
}

// Close closes the file used for logging, if one was opened by Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

var textFormatterInstance = &textFormatter{}

// textFormatter is a simplified version of logrus.TextFormatter that
// prints the timestamp first, then the layer, then the message, then
// the remaining fields in sorted order.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%s ", layer)
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key == "layer" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, " %s=%v", key, entry.Data[key])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
