// dwx builds, inspects and serves TEA flag-checking stack expressions.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// errRejected is returned by check for a wrong candidate. It exits with
// status 2 and no message.
var errRejected = errors.New("candidate rejected")

type command struct {
	usage string
	run   func(args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"gen":      {"generate the checking expression for a challenge", handleGenCommand},
	"bundle":   {"write a sealed challenge bundle", handleBundleCommand},
	"check":    {"check a candidate flag locally or against a server", handleCheckCommand},
	"attempts": {"list the attempts recorded by a server", handleAttemptsCommand},
	"run":      {"evaluate an expression", handleRunCommand},
	"disasm":   {"disassemble an expression", handleDisasmCommand},
	"asm":      {"assemble an expression", handleAsmCommand},
	"ops":      {"print the opcode table", handleOpsCommand},
	"encrypt":  {"encrypt text with the challenge cipher", handleEncryptCommand},
	"decrypt":  {"decrypt hex with the challenge cipher", handleDecryptCommand},
	"serve":    {"serve the verifier over Connect and gRPC", handleServeCommand},
	"lsp":      {"run the assembler language server on stdio", handleLspCommand},
}

// countFlag counts repeated boolean flags such as -v -v.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if v {
		*c++
	}
	return nil
}

func main() {
	var verbose countFlag
	flag.Var(&verbose, "v", "Verbose output (repeat for debug logging)")
	quiet := flag.Bool("q", false, "Only log errors")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dwx [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(os.Stderr, "  %-9s %s\n", name, commands[name].usage)
		}
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  dwx gen -format c                      # C initializer for ./challenge.toml\n")
		fmt.Fprintf(os.Stderr, "  dwx bundle -o chall.dwb                # Seal the challenge\n")
		fmt.Fprintf(os.Stderr, "  dwx check -bundle chall.dwb 'ARKAV{...}'\n")
		fmt.Fprintf(os.Stderr, "  dwx serve -bundle chall.dwb -grpc :8471\n")
		fmt.Fprintf(os.Stderr, "\nRun 'dwx <command> -h' for command options.\n")
	}
	flag.Parse()

	verbosity := int(verbose)
	if *quiet {
		verbosity = -2
	}
	commonlog.Configure(verbosity, nil)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errRejected) {
			os.Exit(2)
		}
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// run dispatches args[0] to its command.
func run(args []string, stdout io.Writer) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(args[1:], stdout)
}

// newFlagSet returns a flag set for a subcommand that reports errors
// instead of exiting.
func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dwx %s [options] %s\n\nOptions:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}
