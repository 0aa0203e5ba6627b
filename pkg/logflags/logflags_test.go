package logflags

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// resetLogFlags undoes what Setup and SetLoggerFactory did so the next
// test starts from the package defaults.
func resetLogFlags() {
	any = false
	unwind = false
	maps = false
	minielf = false
	ptrace = false
	comms = false
	logOut = nil
	loggerFactory = nil
}

func componentLevel(t *testing.T, l Logger) logrus.Level {
	t.Helper()
	entry, ok := l.(*logrusLogger)
	if !ok {
		t.Fatalf("expected a logrus backed logger; but was <%v>", reflect.TypeOf(l))
	}
	return entry.Entry.Logger.Level
}

func TestSetupComponents(t *testing.T) {
	defer resetLogFlags()
	if err := Setup(true, "minielf,ptrace", ""); err != nil {
		t.Fatal(err)
	}
	if !Any() {
		t.Fatal("expected Any to report enabled logging")
	}
	if !MiniElf() || !Ptrace() {
		t.Fatalf("expected minielf and ptrace to be enabled; but got minielf=%v ptrace=%v", MiniElf(), Ptrace())
	}
	if Unwind() || Maps() || Comms() {
		t.Fatalf("expected the other components to stay disabled; but got unwind=%v maps=%v comms=%v", Unwind(), Maps(), Comms())
	}
	if lvl := componentLevel(t, MiniElfLogger()); lvl != logrus.DebugLevel {
		t.Fatalf("expected an enabled component to log at <%v>; but was <%v>", logrus.DebugLevel, lvl)
	}
	if lvl := componentLevel(t, UnwindLogger()); lvl != logrus.ErrorLevel {
		t.Fatalf("expected a disabled component to log at <%v>; but was <%v>", logrus.ErrorLevel, lvl)
	}
}

func TestSetupDefaultComponent(t *testing.T) {
	defer resetLogFlags()
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Unwind() {
		t.Fatal("expected the flag alone to enable the stack walk logs")
	}
	if Maps() || MiniElf() || Ptrace() || Comms() {
		t.Fatal("expected only the stack walk logs to be enabled")
	}
}

func TestSetupUnknownComponent(t *testing.T) {
	defer resetLogFlags()
	if err := Setup(true, "minielf,nonsense", ""); err != nil {
		t.Fatal(err)
	}
	if !MiniElf() {
		t.Fatal("expected the known component to be enabled")
	}
	if Unwind() || Maps() || Ptrace() || Comms() {
		t.Fatal("expected the unknown component to enable nothing")
	}
}

func TestSetupLogstrWithoutLog(t *testing.T) {
	defer resetLogFlags()
	if err := Setup(false, "unwind", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected <%v>; but was <%v>", errLogstrWithoutLog, err)
	}
}

func TestSetupLogDestFile(t *testing.T) {
	defer resetLogFlags()
	path := filepath.Join(t.TempDir(), "trace.log")
	if err := Setup(true, "minielf", path); err != nil {
		t.Fatal(err)
	}
	MiniElfLogger().Debugf("symbol index rebuilt")
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if out := string(data); !strings.Contains(out, "minielf") || !strings.Contains(out, "symbol index rebuilt") {
		t.Fatalf("expected the log file to carry the entry; but was <%q>", out)
	}
}

func TestSetupLogDestFd(t *testing.T) {
	defer resetLogFlags()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := Setup(true, "comms", strconv.Itoa(int(w.Fd()))); err != nil {
		t.Fatal(err)
	}
	CommsLogger().Debugf("routed to a descriptor")
	Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "routed to a descriptor") {
		t.Fatalf("expected the descriptor to receive the entry; but was <%q>", data)
	}
}

func TestLoggerFactory(t *testing.T) {
	defer resetLogFlags()
	expected := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.ErrorLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "unwind" {
			t.Fatalf("expected fields to be {'layer':'unwind'}; but was <%v>", fields)
		}
		return expected
	})

	if actual := UnwindLogger(); actual != expected {
		t.Fatalf("expected the factory logger to be returned; but was <%v>", actual)
	}
}
