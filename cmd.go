package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/mjl-/partpull/mlog"
)

var commands = []struct {
	cmd      string
	fn       func(c *cmd)
	noConfig bool // Command does not need the config or handles it itself.
}{
	{"parse", cmdParse, false},
	{"events", cmdEvents, false},
	{"extract", cmdExtract, false},
	{"compose", cmdCompose, false},
	{"tmp recover", cmdTmpRecover, false},
	{"tmp list", cmdTmpList, false},
	{"config describe", cmdConfigDescribe, true},
	{"config test", cmdConfigTest, true},
	{"version", cmdVersion, true},
	{"help", cmdHelp, true},

	// Not listed.
	{"helpall", cmdHelpall, true},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn, noConfig: xc.noConfig})
	}
}

type cmd struct {
	words    []string
	fn       func(c *cmd)
	noConfig bool

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // First line is synopsis, the rest is only printed for help about this command.
	args     []string

	log mlog.Log
}

func (c *cmd) name() string {
	return "partpull " + strings.Join(c.words, " ")
}

// findCommand returns the command whose words are a prefix of args. If there is
// none, the commands that args partially matched are returned.
func findCommand(args []string) (*cmd, []cmd) {
	var partial []cmd
	for i := range cmds {
		c := &cmds[i]
		n := 0
		for n < len(c.words) && n < len(args) && c.words[n] == args[n] {
			n++
		}
		if n == len(c.words) {
			return c, nil
		} else if n > 0 {
			partial = append(partial, *c)
		}
	}
	return nil, partial
}

// Parse parses the flags of the command and returns the remaining arguments.
func (c *cmd) Parse() []string {
	// When gathering usage information, the command is run until it has registered
	// its flags and set params and help. This panic stops it there.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c._gather = true
	defer func() {
		if x := recover(); x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var b strings.Builder
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&b, "%6s %s%s\n", s, c.name(), line)
	}
	c.flag.SetOutput(&b)
	c.flag.PrintDefaults()
	return b.String()
}

// Usage prints usage and help for the command and exits.
func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var partial []cmd
	for _, xc := range cmds {
		if slices.Equal(xc.words, args) {
			xc.gather()
			fmt.Print(xc.makeUsage())
			if xc.help != "" {
				fmt.Print("\n" + xc.help + "\n")
			}
			return
		} else if len(args) <= len(xc.words) && slices.Equal(args, xc.words[:len(args)]) {
			partial = append(partial, xc)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, xc := range partial {
		xc.gather()
		fmt.Println(xc.name())
		if xc.help != "" {
			fmt.Printf("\t%s\n", strings.Split(xc.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate the package documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	n := 0
	for _, xc := range cmds {
		xc.gather()
		if xc.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintln(os.Stderr)
		}
		n++

		fmt.Fprintf(os.Stderr, "# %s\n\n", xc.name())
		if xc.help != "" {
			fmt.Fprintln(os.Stderr, xc.help+"\n")
		}
		s := "\t" + strings.ReplaceAll(xc.makeUsage(), "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

// usage prints the synopsis of commands in l and exits. Unlisted commands are
// only included if unlisted is set, which is the case after a partial match.
func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "partpull [-config partpull.conf] [-loglevel level] [-metricsaddr addr] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			s := c.name()
			if line != "" {
				s += " " + line
			}
			lines = append(lines, s)
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}
