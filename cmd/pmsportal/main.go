package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kyri56xcaesar/pms-portal/internal/logging"
	"kyri56xcaesar/pms-portal/internal/portal"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var confPath string

	root := &cobra.Command{
		Use:           "pmsportal",
		Short:         "Project portal: proposals, projects, tasks and meetings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&confPath, "config", "c", "configs/pms.env", "env file to load")

	root.AddCommand(
		newServeCmd(&confPath),
		newMigrateCmd(&confPath),
		newInvoicesCmd(&confPath),
	)

	return root
}

func newServeCmd(confPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			portal.InitAndServe(*confPath)
		},
	}
}

func newMigrateCmd(confPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := portal.LoadConfig(*confPath)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			st, err := portal.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", st.Dialect())
			return nil
		},
	}
}

func newInvoicesCmd(confPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Invoice outbox maintenance",
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-dispatch every pending invoice to billing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := portal.LoadConfig(*confPath)
			logger, err := logging.Init(logging.Config{
				System: "pms-portal-cli",
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				File:   cfg.LogFile,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			st, err := portal.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			svc, nc, err := portal.NewService(cfg, st, logger)
			if err != nil {
				return err
			}
			if nc != nil {
				defer nc.Close()
			}

			operator := workflow.Actor{Role: workflow.RoleAdmin, Name: "pmsportal-cli"}
			issued, err := svc.Proposals.RetryInvoices(ctx, operator)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(issued)
		},
	}
	cmd.AddCommand(retry)

	return cmd
}
