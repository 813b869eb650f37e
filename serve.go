package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/ctxsync/internal/httpapi"
	"github.com/tonimelisma/ctxsync/internal/mcpserver"
	"github.com/tonimelisma/ctxsync/internal/service"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch sources and serve context to agents",
		Long: `Keep derived representations in sync with their sources and serve the
Load/Query API at the same time.

--mcp speaks the Model Context Protocol over stdin/stdout, for agents that
launch ctxsync as a tool server. --listen serves JSON over HTTP with a
websocket stream of status transitions at /v1/events. Both may be given.
With neither, HTTP is served on the configured listen address.`,
		RunE: runServe,
	}

	cmd.Flags().Bool("mcp", false, "serve MCP over stdio")
	cmd.Flags().String("listen", "", "serve HTTP on this address (default from config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	useMCP, err := cmd.Flags().GetBool("mcp")
	if err != nil {
		return err
	}

	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}

	useHTTP := cmd.Flags().Changed("listen") || !useMCP
	if listen == "" {
		listen = cc.Cfg.Server.Listen
	}

	lock, err := acquireStateLock(cc.Cfg.Sync.StateDir, newLockHolder(holderServe, cc.Cfg.Sync.SourceDir))
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	session, err := NewEngineSession(ctx, cc.Cfg, cc.CfgPath, cc.Logger)
	if err != nil {
		return err
	}
	defer session.Close()

	g, gctx := errgroup.WithContext(ctx)

	// The first transport to stop (stdin closed, listener error) stops the
	// rest.
	serveCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		err := runWatch(serveCtx, cc, session)
		stop()

		return err
	})

	if useMCP {
		srv := mcpserver.New(session.Service, version, cc.Logger)

		g.Go(func() error {
			defer stop()
			return srv.Serve(serveCtx, os.Stdin, os.Stdout)
		})
	}

	if useHTTP {
		srv := httpapi.New(session.Service, httpapi.Options{
			Addr:         listen,
			ReadTimeout:  cc.Cfg.Durations().ReadTimeout,
			WriteTimeout: cc.Cfg.Durations().WriteTimeout,
			Logger:       cc.Logger,
		})

		g.Go(func() error {
			defer stop()
			return srv.ListenAndServe(serveCtx)
		})
	}

	return g.Wait()
}

var (
	_ mcpserver.Reader = (*service.Service)(nil)
	_ httpapi.API      = (*service.Service)(nil)
)
