package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

const helpFooter = `Without --config, ` + "%s" + ` is read when it exists.
The output device is fed a placeholder while nobody reads it and the
capture device while at least one reader is open.`

// usage prints the option summary with highlighted section headers.
func usage(w io.Writer, fs *flag.FlagSet) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	bold.Fprintf(w, "Usage: %s [OPTION]...\n", progName)
	fmt.Fprintln(w, "Relay a camera to a v4l2loopback device on demand.")
	fmt.Fprintln(w)

	cyan.Fprintln(w, "Options:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)

	fmt.Fprintf(w, helpFooter+"\n", defaultConfigPath)
}
