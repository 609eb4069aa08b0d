package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"inbox-triage/internal/app"
	"inbox-triage/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "inbox-triage",
		Short:        "Polls mailboxes, triages messages and drafts replies for approval",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(serveCmd(), validateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling loops and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(configPath)
			if err != nil {
				logrus.Errorf("application error: %v", err)
				return err
			}
			return a.Run(context.Background())
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and list the accounts it defines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range cfg.ToAccounts() {
				fmt.Fprintf(out, "%s\tsource=%s\tevery=%s\trules=%d\tsecret=%s\n",
					a.ID, a.Source.Kind, a.PollInterval, len(a.Rules.Groups), a.SecretName)
			}
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}
