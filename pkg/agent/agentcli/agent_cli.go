package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hidcore/dualkb-agent/internal/kbcore"
	"github.com/hidcore/dualkb-agent/pkg/agent"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "dualkb"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:        filepath.Join(configDir, "data"),
		SettingsConfig: filepath.Join(configDir, "settings.yml"),
		KeymapConfig:   filepath.Join(configDir, "keymap.yml"),
	}
	agentCmd := &cobra.Command{
		Use:   "dualkb-agent",
		Short: "Dual mode keyboard agent",
		Long:  `The dual mode keyboard agent turns scanned key activity into HID keyboard reports over BT classic or LE transports.`,
	}
	var a *agent.Agent
	provider := func() *agent.Agent {
		return a
	}
	agentCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	agentCmd.PersistentFlags().StringVar(&cfg.SettingsConfig, "settings", cfg.SettingsConfig, "settings file")
	agentCmd.PersistentFlags().StringVar(&cfg.KeymapConfig, "keymap", cfg.KeymapConfig, "keymap file")
	agentCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	agentCmd.AddCommand(NewRun(provider))
	agentCmd.AddCommand(NewShowKeymap(&cfg))
	agentCmd.AddCommand(NewFuncLock(provider))
	return agentCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the keyboard agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			return agent().Run(cmd.Context())
		},
	}
}

func NewShowKeymap(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-keymap",
		Short: "Print the parsed keymap",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(cfg.KeymapConfig)
			if err != nil {
				return err
			}
			keymap, err := kbcore.ParseKeymap(data)
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(keymap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewFuncLock(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "funclock",
		Short: "Show the persisted function lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer agent().Close()
			on, found, err := agent().Retained().LoadFuncLock()
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "funclock: not set")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "funclock: %v\n", on)
			return nil
		},
	}
}
