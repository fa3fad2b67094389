package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"teamsawake/internal/config"
)

var keyFromStdin bool

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage LLM API keys stored in the OS keyring",
}

var keySetCmd = &cobra.Command{
	Use:   "set <provider> [key]",
	Short: "Store the API key for a provider (openai or gemini)",
	Long: `Stores the API key for a provider in the OS keyring.

Without a key argument the key is read from stdin when --stdin is given,
otherwise from an interactive prompt.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runKeySet,
}

var keyClearCmd = &cobra.Command{
	Use:   "clear <provider>",
	Short: "Remove the stored API key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyClear,
}

func init() {
	keySetCmd.Flags().BoolVar(&keyFromStdin, "stdin", false, "Read the key from stdin")
	keyCmd.AddCommand(keySetCmd)
	keyCmd.AddCommand(keyClearCmd)
}

func checkProvider(p string) error {
	if !slices.Contains(config.ValidProviders, p) {
		return fmt.Errorf("unknown provider %q (valid: %s)", p, strings.Join(config.ValidProviders, ", "))
	}
	return nil
}

func readKey(cmd *cobra.Command, provider string, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if keyFromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return line, nil
	}

	var key string
	err := huh.NewInput().
		Title(fmt.Sprintf("%s API key", provider)).
		EchoMode(huh.EchoModePassword).
		Value(&key).
		Run()
	return key, err
}

func runKeySet(cmd *cobra.Command, args []string) error {
	provider := args[0]
	if err := checkProvider(provider); err != nil {
		return err
	}
	key, err := readKey(cmd, provider, args)
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty key")
	}

	keys, err := openKeys(cfg.Workspace)
	if err != nil {
		return err
	}
	if err := keys.Set(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s API key.\n", provider)
	return nil
}

func runKeyClear(cmd *cobra.Command, args []string) error {
	provider := args[0]
	if err := checkProvider(provider); err != nil {
		return err
	}
	keys, err := openKeys(cfg.Workspace)
	if err != nil {
		return err
	}
	if err := keys.Clear(provider); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s API key.\n", provider)
	return nil
}
