package cmd

import (
	"fmt"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Handle expired session timeouts once and exit",
	Long: `Scan runs a single pass of the timeout scanner against the configured
store, for deployments that schedule it externally instead of running the
background scanner inside serve.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		svc, err := newService(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.shutdown(ctx)

		scanner := runtime.NewTimeoutScanner(svc.l, svc.store, svc.manager, cfg.Scanner.Interval, cfg.Scanner.Batch)
		handled, err := scanner.ScanOnce(ctx)
		if err != nil {
			return err
		}
		if err := svc.manager.Wait(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "handled %d expired session(s)\n", handled)
		return nil
	},
}
