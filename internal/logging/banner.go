package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

// logoLines — base ASCII art, unchanged across runs (single server mode;
// unlike the teacher there is no hub/worker/standalone split to render
// side-by-side art for).
var logoLines = [6]string{
	`      _          _            `,
	`  __ _(_)_ __ ___| | __ _ _   _ `,
	` / _` + "`" + ` | | '__/ _ \ |/ _` + "`" + ` | | | |`,
	`| (_| | | | |  __/ | (_| | |_| |`,
	` \__,_|_|_|  \___|_|\__,_|\__, |`,
	`                          |___/ `,
}

// PrintBanner prints the ASCII art logo, followed by the version and
// the three listen ports. Colors are used only when stderr is a TTY.
func PrintBanner(ver string, controlPort, proxyPort, publicPort uint16) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %scontrol%s :%d   %sproxy%s :%d   %spublic%s :%d\n\n",
			dim, reset, ver, dim, reset, controlPort, dim, reset, proxyPort, dim, reset, publicPort)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   control :%d   proxy :%d   public :%d\n\n",
			ver, controlPort, proxyPort, publicPort)
	}
}
