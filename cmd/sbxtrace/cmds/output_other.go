//go:build !windows

package cmds

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// getColorableWriter simply returns stdout on
// *nix machines.
func getColorableWriter() io.Writer {
	return os.Stdout
}

func supportsEscapeCodes() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}
