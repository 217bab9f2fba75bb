package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/dwexpr/manifest"
	"github.com/chazu/dwexpr/server"
	"github.com/chazu/dwexpr/store"
)

// handleServeCommand processes the `dwx serve` subcommand.
// Usage:
//
//	dwx serve                                  # challenge.toml, [server] settings
//	dwx serve -bundle chall.dwb -addr :8470    # serve a sealed bundle
//	dwx serve -grpc :8471 -no-store            # native gRPC too, no attempt log
func handleServeCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("serve", "")
	dir := fs.String("dir", "", "Challenge directory (default: nearest challenge.toml)")
	bundlePath := fs.String("bundle", "", "Serve a bundle file instead of building from the manifest")
	addr := fs.String("addr", "", "Connect listen address (default: [server] addr)")
	grpcAddr := fs.String("grpc", "", "Also serve native gRPC on this address")
	db := fs.String("db", "", "Attempt database (default: [server] database)")
	noStore := fs.Bool("no-store", false, "Do not record attempts")
	workers := fs.Int("workers", 0, "Concurrent evaluations (default: GOMAXPROCS)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, m, err := loadBundle(*bundlePath, *dir)
	if err != nil {
		return err
	}
	listen := *addr
	if listen == "" {
		listen = manifest.DefaultServerAddr
		if m != nil {
			listen = m.Server.Addr
		}
	}

	opts := []server.ServerOption{server.WithWorkers(*workers)}
	if !*noStore {
		st, err := store.Open(databasePath(*db, m))
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, server.WithStore(st))
	}

	srv, err := server.New(b, opts...)
	if err != nil {
		return err
	}
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() { errc <- srv.ServeGRPC(lis) }()
	}
	go func() { errc <- srv.ListenAndServe(listen) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// handleLspCommand processes the `dwx lsp` subcommand.
func handleLspCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("lsp", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errors.New("lsp takes no arguments")
	}
	return server.NewLSP().Run()
}
