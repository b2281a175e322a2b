package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/enforcement"
	"github.com/diycloud/usermgmt/internal/extcall"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/services/accounts"
	"github.com/diycloud/usermgmt/internal/services/audit"
)

var (
	bootstrapPassword      string
	bootstrapEmail         string
	bootstrapSkipProvision bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Account management commands",
}

var accountsBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the protected root administrator",
	Long: `Creates the root administrator account together with its quota record.
The account name comes from accounts.root_username. The command fails if
the account already exists.

Example:
  usermgmt accounts bootstrap --password 's3cret!' --email ops@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bootstrapPassword == "" {
			bootstrapPassword = os.Getenv("USERMGMT_BOOTSTRAP_PASSWORD")
		}
		if bootstrapPassword == "" {
			return fmt.Errorf("--password is required (or set USERMGMT_BOOTSTRAP_PASSWORD)")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		gate, err := auth.NewGate()
		if err != nil {
			return fmt.Errorf("configure authorization gate: %w", err)
		}

		store := repository.NewBunStore(db)
		limiter := extcall.NewLimiter(cfg.External.MaxConcurrency, cfg.External.Timeout)
		provisioner := enforcement.NewScriptProvisioner(extcall.NewExecRunner(limiter), cfg.External.ScriptsDir)
		svc := accounts.NewService(store, provisioner, gate, audit.NewService(store).WithLogger(logger)).
			WithRootUsername(cfg.Accounts.RootUsername).
			WithLogger(logger)

		detail, err := svc.Bootstrap(cmd.Context(), bootstrapPassword, bootstrapEmail, !bootstrapSkipProvision)
		if err != nil {
			return fmt.Errorf("bootstrap root account: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created root account %q (id %s)\n", detail.Account.Username, detail.Account.ID)
		return nil
	},
}

func init() {
	accountsBootstrapCmd.Flags().StringVar(&bootstrapPassword, "password", "", "Password for the root account")
	accountsBootstrapCmd.Flags().StringVar(&bootstrapEmail, "email", "", "Contact email for the root account")
	accountsBootstrapCmd.Flags().BoolVar(&bootstrapSkipProvision, "skip-provision", false, "Do not create the host account (it already exists)")

	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsBootstrapCmd)
}
