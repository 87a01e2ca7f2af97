package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Connect to a port and copy stdin to it.",
	Long: "`send --name /a --to /b` copies stdin to the port /b. " +
		"--to is either a port name, resolved with the peers table or the gossip " +
		"directory, or `name@host:port`.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		to, _ := cmd.Flags().GetString("to")
		if cfg.Name == "" || to == "" {
			return errors.New("both --name and --to are required")
		}

		node, err := newNode(cfg)
		if err != nil {
			return err
		}
		defer node.Shutdown()

		conn, err := node.Dial(cmd.Context(), cfg.Name, to, cfg.Carrier)
		if err != nil {
			return err
		}
		defer conn.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "connected %s with %s\n", conn.Route(), conn.Route().Carrier)

		_, err = io.Copy(conn, os.Stdin)
		return err
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("to", "", "destination port")
	sendCmd.Flags().String("carrier", "", "ptp, bcast or direct")
}
