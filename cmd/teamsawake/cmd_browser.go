package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"teamsawake/internal/browser"
)

var browserCmd = &cobra.Command{
	Use:   "browser",
	Short: "Choose which Chromium-based browser is launched",
}

var browserSetCmd = &cobra.Command{
	Use:   "set <path>",
	Short: "Store the browser executable to launch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrowserSet,
}

var browserShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured, stored and detected browser",
	Args:  cobra.NoArgs,
	RunE:  runBrowserShow,
}

var browserDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Print the executable that would be launched",
	Args:  cobra.NoArgs,
	RunE:  runBrowserDetect,
}

func init() {
	browserCmd.AddCommand(browserSetCmd)
	browserCmd.AddCommand(browserShowCmd)
	browserCmd.AddCommand(browserDetectCmd)
}

func runBrowserSet(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("browser executable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("browser executable %s is a directory", path)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetSelectedBrowserExecutable(context.Background(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Browser set to %s\n", path)
	if cfg.Browser.Executable != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Note: browser.executable in the config (%s) takes precedence.\n", cfg.Browser.Executable)
	}
	return nil
}

func storedBrowser() (string, error) {
	st, err := openStore()
	if err != nil {
		return "", err
	}
	defer st.Close()
	return st.SelectedBrowserExecutable(context.Background())
}

func runBrowserShow(cmd *cobra.Command, args []string) error {
	stored, err := storedBrowser()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configured  %s\n", orDash(cfg.Browser.Executable))
	fmt.Fprintf(out, "stored      %s\n", orDash(stored))
	if exe, err := browser.DetectExecutable(cfg.Browser.Executable, stored); err == nil {
		fmt.Fprintf(out, "launches    %s\n", exe)
	} else {
		fmt.Fprintf(out, "launches    %s\n", offStyle.Render(err.Error()))
	}
	return nil
}

func runBrowserDetect(cmd *cobra.Command, args []string) error {
	stored, err := storedBrowser()
	if err != nil {
		return err
	}
	exe, err := browser.DetectExecutable(cfg.Browser.Executable, stored)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), exe)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
