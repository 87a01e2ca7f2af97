package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/raskyld/carrier"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen on a port and copy every inbound stream to stdout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Name == "" {
			return errors.New("a port --name is required")
		}

		node, err := newNode(cfg)
		if err != nil {
			return err
		}
		defer node.Shutdown()
		logger := slog.New(cfg.LogHandler(os.Stderr))

		ep, err := node.Listen(cfg.Name, cfg.Listen)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s listening on %s\n", ep.Name(), ep.Addr())

		// stdout is shared, payloads of concurrent streams must not
		// interleave within a read.
		var out sync.Mutex
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			conn, err := ep.Accept(cmd.Context())
			if err != nil {
				if errors.Is(err, cmd.Context().Err()) {
					return nil
				}
				return err
			}
			logger.Info("connection accepted", carrier.LabelRoute.L(conn.Route()))

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				buf := make([]byte, 32*1024)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						out.Lock()
						_, _ = os.Stdout.Write(buf[:n])
						out.Unlock()
					}
					if err != nil {
						if !errors.Is(err, io.EOF) {
							logger.Warn("stream failed", carrier.LabelError.L(err))
						}
						return
					}
				}
			}()
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "control address of the port")
}
