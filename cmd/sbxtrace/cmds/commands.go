// Package cmds implements the sbxtrace command line interface.
package cmds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/derekparker/trie"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/piotrbartman/sandboxed-api/pkg/config"
	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
	"github.com/piotrbartman/sandboxed-api/pkg/minielf"
	"github.com/piotrbartman/sandboxed-api/pkg/ptracer"
	"github.com/piotrbartman/sandboxed-api/pkg/unwind"
	"github.com/piotrbartman/sandboxed-api/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// dumpMaxFrames is the stack depth bound of a dump.
	dumpMaxFrames int
	// dumpMaxModules is how many module symbol tables a dump holds open.
	dumpMaxModules int
	// dumpJSON is whether to print the report as JSON.
	dumpJSON bool
	// dumpReason annotates the report with why it was taken.
	dumpReason string

	// symbolsPrefix restricts the symbols listing to one prefix.
	symbolsPrefix string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const sbxtraceCommandLongDesc = `Sbxtrace captures the call stack of a running process from the outside.

It attaches with ptrace, walks the frame pointer chain of the stopped
process, symbolizes every frame against the modules mapped into the
process, prints the result and detaches again. The same machinery backs
the crash reports of a sandbox supervisor; this tool is the standalone
way to exercise and debug it.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main sbxtrace root command.
	rootCommand = &cobra.Command{
		Use:   "sbxtrace",
		Short: "Sbxtrace captures stacks of running processes.",
		Long:  sbxtraceCommandLongDesc,
	}
	logFlags(rootCommand.PersistentFlags())

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <pid>",
		Short: "Capture and print the stack of a running process.",
		Long: `Capture and print the stack of a running process.

The dump command attaches to the process, stops it, walks its frame
pointer chain, symbolizes the frames against the mapped modules and
prints the report. The process continues undisturbed afterwards.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: dumpCmd,
	}
	dumpCommand.Flags().IntVarP(&dumpMaxFrames, "max-frames", "s", 0, "Maximum stack depth to recover (0 uses the configured default).")
	dumpCommand.Flags().IntVar(&dumpMaxModules, "max-modules", 0, "Maximum module symbol tables held open during the walk (0 uses the configured default).")
	dumpCommand.Flags().BoolVarP(&dumpJSON, "json", "j", false, "Print the report as JSON.")
	dumpCommand.Flags().StringVar(&dumpReason, "reason", "", "Annotate the report with a capture reason.")
	rootCommand.AddCommand(dumpCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols <binary>",
		Short: "List the function symbols of a module.",
		Long: `List the function symbols of a module.

Reads the same symbol sources a dump uses: .symtab, .dynsym and the
compressed .gnu_debugdata fallback, with C++ names demangled. This is
the quick way to check what a stripped library still exposes to stack
symbolization.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a binary")
			}
			return nil
		},
		Run: symbolsCmd,
	}
	symbolsCommand.Flags().StringVarP(&symbolsPrefix, "prefix", "p", "", "Only list symbols starting with this prefix.")
	rootCommand.AddCommand(symbolsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sbxtrace\n%s\n", version.SbxtraceVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func logFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable debug logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (unwind, maps, minielf, ptrace, comms).")
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
}

// setupLogging applies config defaults for unset flags and initializes
// the log sinks.
func setupLogging() error {
	if !log && conf.Log != "" {
		log, logOutput = true, conf.Log
	}
	if logDest == "" {
		logDest = conf.LogDest
	}
	return logflags.Setup(log, logOutput, logDest)
}

func dumpCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := setupLogging(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		pid, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
			return 1
		}

		sess, err := ptracer.Attach(pid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer func() {
			if err := sess.Detach(); err != nil {
				fmt.Fprintf(os.Stderr, "Could not detach from %d: %v\n", pid, err)
			}
		}()

		maxFrames := dumpMaxFrames
		if maxFrames <= 0 && conf.MaxFrames != nil {
			maxFrames = *conf.MaxFrames
		}
		maxModules := dumpMaxModules
		if maxModules <= 0 && conf.MaxModules != nil {
			maxModules = *conf.MaxModules
		}

		var opts []unwind.Option
		if maxModules > 0 {
			opts = append(opts, unwind.WithMaxModules(maxModules))
		}
		rep, err := unwind.New(opts...).Unwind(sess, unwind.Reason{Description: dumpReason}, maxFrames)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}

		if dumpJSON {
			out, err := json.MarshalIndent(rep, "", "\t")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			fmt.Println(string(out))
			return 0
		}
		printReport(rep)
		return 0
	}()
	os.Exit(status)
}

func symbolsCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := setupLogging(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		f, err := minielf.Open(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()

		syms := f.Symbols()
		if len(syms) == 0 {
			fmt.Fprintf(os.Stderr, "%s carries no symbols\n", args[0])
			return 1
		}

		if symbolsPrefix == "" {
			for _, s := range syms {
				printSymbol(s)
			}
			return 0
		}

		byName := make(map[string][]minielf.Sym)
		for _, s := range syms {
			byName[s.Name] = append(byName[s.Name], s)
		}
		index := trie.New()
		for name, group := range byName {
			index.Add(name, group)
		}
		keys := index.PrefixSearch(symbolsPrefix)
		sort.Strings(keys)
		for _, key := range keys {
			node, ok := index.Find(key)
			if !ok {
				continue
			}
			for _, s := range node.Meta().([]minielf.Sym) {
				printSymbol(s)
			}
		}
		return 0
	}()
	os.Exit(status)
}

func printSymbol(s minielf.Sym) {
	fmt.Printf("%#016x %8d %s\n", s.Addr, s.Size, s.Name)
}

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	symbolColor = 33
	faultColor  = 31
)

func highlight(s string, color int) string {
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

func printReport(rep *unwind.Report) {
	if conf.DisableColors || !supportsEscapeCodes() {
		fmt.Print(rep.Text())
		return
	}
	out := getColorableWriter()
	fmt.Fprintf(out, "stack of process %d, %s: %s\n", rep.Pid, rep.Reason, rep.Status)
	for i, f := range rep.Frames {
		switch {
		case f.Symbol != "":
			fmt.Fprintf(out, "#%-2d %#014x %s+%#x (%s)\n", i, f.PC, highlight(f.Symbol, symbolColor), f.SymbolOffset, f.Module)
		case f.Module != "":
			fmt.Fprintf(out, "#%-2d %#014x ?? (%s)\n", i, f.PC, f.Module)
		default:
			fmt.Fprintf(out, "#%-2d %#014x ??\n", i, f.PC)
		}
	}
	if rep.Fault != "" {
		fmt.Fprintf(out, "%s\n", highlight("walk aborted: "+rep.Fault, faultColor))
	}
}
