// Package bootconfig parses the kernel's boot-time command line: a single
// boolean flag selecting between strict-priority donation and MLFQS
// scheduling (spec.md §7).
package bootconfig

import (
	"github.com/spf13/pflag"
)

// Config is the parsed boot configuration.
type Config struct {
	// MLFQS selects the multi-level feedback queue scheduler (spec.md
	// §4.7) in place of strict priority with donation when true.
	MLFQS bool
}

// Parse parses args (excluding the program name, as in os.Args[1:])
// against the kernel's boot flags. Unknown flags are an error, matching
// pflag's default strictness.
func Parse(args []string) (Config, error) {
	fs := pflag.NewFlagSet("pintoscore", pflag.ContinueOnError)
	mlfqs := fs.Bool("mlfqs", false, "use the multi-level feedback queue scheduler instead of priority donation")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Config{MLFQS: *mlfqs}, nil
}
