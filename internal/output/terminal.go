package output

import (
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
)

// IsTerminal checks if the writer is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SupportsColors checks if the environment allows colored output.
func SupportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if runtime.GOOS == "windows" {
		// Windows 10 and later terminals understand ANSI
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}
