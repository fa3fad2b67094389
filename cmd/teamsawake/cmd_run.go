package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"teamsawake/internal/api"
)

const shutdownTimeout = 30 * time.Second

var (
	runNoAPI   bool
	statusJSON bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the browser, wait for sign-in and keep the session active",
	Long: `Launches Chromium on Teams, waits for you to sign in, then keeps your
presence active and captures notifications until interrupted.

The HTTP API is served alongside unless --no-api is given.`,
	RunE: runAutomation,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without launching the browser",
	Long: `Serves the HTTP API and event stream. The browser is launched later
through POST /chrome/start.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running instance",
	RunE:  runStatus,
}

func init() {
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not start the HTTP API")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runAutomation(cmd *cobra.Command, args []string) error {
	return serveApp(cmd, true, !runNoAPI)
}

func runServe(cmd *cobra.Command, args []string) error {
	return serveApp(cmd, false, true)
}

// serveApp runs until interrupted, optionally launching the browser at once
// and optionally serving the API.
func serveApp(cmd *cobra.Command, launch, withAPI bool) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()

	serveErr := make(chan error, 1)
	if withAPI {
		go func() {
			serveErr <- a.server.ListenAndServe(ctx, cfg.Server.Addr, cfg.GetReadTimeout(), cfg.GetWriteTimeout())
		}()
		logger.Info("API available", zap.String("addr", "http://"+cfg.Server.Addr))
	}

	if launch {
		if res := a.coord.StartChrome(ctx); !res.Success {
			if ctx.Err() != nil {
				return nil
			}
			if !withAPI {
				return fmt.Errorf("failed to start browser: %s", res.Error)
			}
			logger.Error("failed to start browser", zap.String("error", res.Error))
		} else {
			logger.Info("browser started; sign in to Teams in the opened window")
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if withAPI {
			return <-serveErr
		}
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := api.NewClient("http://"+cfg.Server.Addr, nil)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("no running instance at %s: %w", cfg.Server.Addr, err)
	}
	authSt, err := client.Auth(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		return writeJSON(out, map[string]any{"status": st, "auth": authSt})
	}

	fmt.Fprintln(out, titleStyle.Render("teamsawake"))
	fmt.Fprintf(out, "  browser      %s\n", onOff(st.Running, "running", "stopped"))
	fmt.Fprintf(out, "  signed in    %s\n", onOff(st.Authenticated, "yes", "no"))
	if authSt.Identity != nil && authSt.Identity.UPN != "" {
		fmt.Fprintf(out, "  user         %s\n", authSt.Identity.UPN)
	}
	fmt.Fprintf(out, "  keep-alive   %s\n", onOff(st.Active, "active", "idle"))
	fmt.Fprintf(out, "  monitoring   %s\n", onOff(st.Monitoring, "on", "off"))
	if st.SessionID != "" {
		fmt.Fprintf(out, "  session      %s\n", st.SessionID)
	}
	return nil
}
