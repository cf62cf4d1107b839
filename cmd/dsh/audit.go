package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marcelocantos/dsh/internal/cli"
	"github.com/marcelocantos/dsh/internal/config"
)

var tailCount int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the command audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the audit log's hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(cfgPath)
		if err != nil {
			return err
		}
		if code := cli.AuditVerify(afero.NewOsFs(), cmd.OutOrStdout(), cfg.Audit.Path); code != 0 {
			return &exitError{code: cli.ExitCode(code)}
		}
		return nil
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(cfgPath)
		if err != nil {
			return err
		}
		if code := cli.AuditTail(afero.NewOsFs(), cmd.OutOrStdout(), cfg.Audit.Path, tailCount); code != 0 {
			return &exitError{code: cli.ExitCode(code)}
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 20, "number of entries to show")
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd)
	rootCmd.AddCommand(auditCmd)
}
