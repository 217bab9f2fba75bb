package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chazu/dwexpr/dist"
	"github.com/chazu/dwexpr/manifest"
	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/chazu/dwexpr/pkg/codegen"
	"github.com/chazu/dwexpr/server"
	"github.com/chazu/dwexpr/store"
)

// loadManifest loads challenge.toml from dir, or from the nearest
// enclosing directory when dir is empty.
func loadManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no %s found", manifest.FileName)
	}
	return m, nil
}

// loadBundle reads a bundle file, or builds the bundle from the manifest
// when path is empty.
func loadBundle(path, dir string) (*dist.Bundle, *manifest.Manifest, error) {
	if path != "" {
		b, err := dist.ReadFile(path)
		return b, nil, err
	}
	m, err := loadManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	b, err := dist.Build(m)
	return b, m, err
}

// databasePath resolves the attempt database: an explicit flag wins, then
// the manifest, relative to its directory.
func databasePath(flagValue string, m *manifest.Manifest) string {
	switch {
	case flagValue != "":
		return flagValue
	case m == nil:
		return manifest.DefaultDatabase
	case filepath.IsAbs(m.Server.Database), m.Server.Database == ":memory:":
		return m.Server.Database
	}
	return filepath.Join(m.Dir, m.Server.Database)
}

// handleGenCommand processes the `dwx gen` subcommand.
// Usage:
//
//	dwx gen                       # hex of the length-prefixed expression
//	dwx gen -format c             # 0x..,0x.. initializer
//	dwx gen -format go -pkg chall # Go source
//	dwx gen -format listing       # assembler source
func handleGenCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("gen", "")
	dir := fs.String("dir", "", "Challenge directory (default: nearest challenge.toml)")
	format := fs.String("format", "hex", "Output format: hex, c, go, listing, raw")
	pkg := fs.String("pkg", "challenge", "Package name for -format go")
	name := fs.String("name", "", "Variable name for -format go (default: from the challenge name)")
	output := fs.String("o", "", "Write to file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := loadManifest(*dir)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	cfg, err := m.Generator()
	if err != nil {
		return err
	}
	prog, err := codegen.Generate(cfg)
	if err != nil {
		return err
	}

	var out []byte
	switch *format {
	case "hex":
		out = []byte(hex.EncodeToString(prog.Expression()) + "\n")
	case "c":
		out = []byte(prog.CArray() + "\n")
	case "go":
		varName := *name
		if varName == "" {
			varName = manifest.GoName(m.Challenge.Name)
		}
		src, err := prog.GoSource(*pkg, varName)
		if err != nil {
			return err
		}
		out = []byte(src)
	case "listing":
		src, err := bytecode.Listing(prog.Code, prog.AddressSize)
		if err != nil {
			return err
		}
		out = []byte(src)
	case "raw":
		out = prog.Expression()
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	return writeOutput(*output, out, stdout)
}

func writeOutput(path string, data []byte, stdout io.Writer) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// handleBundleCommand processes the `dwx bundle` subcommand.
func handleBundleCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("bundle", "")
	dir := fs.String("dir", "", "Challenge directory (default: nearest challenge.toml)")
	output := fs.String("o", "", "Output path (default: <name>.dwb)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := loadManifest(*dir)
	if err != nil {
		return err
	}
	b, err := dist.Build(m)
	if err != nil {
		return err
	}
	path := *output
	if path == "" {
		name := b.Name
		if name == "" {
			name = "challenge"
		}
		path = name + ".dwb"
	}
	if err := dist.WriteFile(path, b); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintf(stdout, "  expression: %d bytes, sha256 %x\n", len(b.Expression), b.Hash)
	fmt.Fprintf(stdout, "  flag md5:   %x\n", b.FlagMD5)
	return nil
}

// handleCheckCommand processes the `dwx check` subcommand. The exit
// status is 0 for an accepted candidate and 2 for a rejected one.
func handleCheckCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("check", "<candidate>")
	dir := fs.String("dir", "", "Challenge directory (default: nearest challenge.toml)")
	bundlePath := fs.String("bundle", "", "Check against a bundle file instead of the manifest")
	remote := fs.String("remote", "", "Check against a verifier server, e.g. http://localhost:8470")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout for -remote")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("check takes one candidate")
	}
	candidate := []byte(fs.Arg(0))

	if *remote != "" {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		ok, err := server.NewClient(http.DefaultClient, *remote).Check(ctx, candidate)
		if err != nil {
			return err
		}
		return report(stdout, ok, "")
	}

	b, _, err := loadBundle(*bundlePath, *dir)
	if err != nil {
		return err
	}
	v, err := server.NewVerifier(b)
	if err != nil {
		return err
	}
	verdict, err := v.Check(candidate)
	if err != nil {
		return err
	}
	if verdict.Err != nil {
		return fmt.Errorf("evaluation failed after %d steps: %w", verdict.Steps, verdict.Err)
	}
	return report(stdout, verdict.Accepted, fmt.Sprintf(" (0x%x, %d steps)", verdict.Result, verdict.Steps))
}

func report(stdout io.Writer, accepted bool, detail string) error {
	if !accepted {
		fmt.Fprintf(stdout, "rejected%s\n", detail)
		return errRejected
	}
	fmt.Fprintf(stdout, "accepted%s\n", detail)
	return nil
}

// handleAttemptsCommand processes the `dwx attempts` subcommand.
func handleAttemptsCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("attempts", "")
	dir := fs.String("dir", "", "Challenge directory (default: nearest challenge.toml)")
	bundlePath := fs.String("bundle", "", "Bundle whose attempts to list")
	db := fs.String("db", "", "Attempt database (default: from challenge.toml)")
	limit := fs.Int("n", 20, "Number of attempts to show, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, m, err := loadBundle(*bundlePath, *dir)
	if err != nil {
		return err
	}
	st, err := store.Open(databasePath(*db, m))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	stats, err := st.Stats(ctx, b.Hash)
	if err != nil {
		return err
	}
	attempts, err := st.List(ctx, b.Hash, *limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: %d attempts, %d accepted, %d failed\n", b.Name, stats.Total, stats.Accepted, stats.Failed)
	for _, a := range attempts {
		verdict := "rejected"
		if a.Accepted {
			verdict = "accepted"
		}
		fmt.Fprintf(stdout, "%s  %s  %-8s %8d  %x", a.Created.Format(time.RFC3339), a.ID, verdict, a.Steps, a.CandidateMD5)
		if a.Error != "" {
			fmt.Fprintf(stdout, "  %s", a.Error)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}
