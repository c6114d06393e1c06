package main

import (
	"fmt"
	"os"

	"github.com/nerrad567/emu2mqtt/internal/bridges/emu"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "emu2mqtt",
		Short: "Bridge a Rainforest EMU-2 energy monitor to MQTT",
		Long: "emu2mqtt reads the EMU-2 serial protocol, publishes decoded readings to an " +
			"MQTT broker with Home Assistant discovery, and forwards commands back to the device.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv(configEnv),
		"path to the YAML config file (env "+configEnv+"); defaults and environment only when empty")

	rootCmd.AddCommand(
		newVersionCmd(),
		newEncodePriceCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "emu2mqtt %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}

func newEncodePriceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "encode-price <cents>",
		Short:   "Print the price and trailing digits sent by set_current_price",
		Example: "  emu2mqtt encode-price 31.5\n  price=0x13B trailing_digits=0x3",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, digits, err := emu.EncodePrice(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "price=%s trailing_digits=%s\n", price, digits)
			return err
		},
	}
}
