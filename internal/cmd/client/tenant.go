package client

import (
	"github.com/spf13/cobra"
)

// NewTenantCommand constructs the `tenant` command group.
func NewTenantCommand() *cobra.Command {
	tenantCmd := &cobra.Command{Use: "tenant", Short: "Tenant change stream lifecycle"}
	tenantCmd.AddCommand(
		newTenantSetCommand("enable", "Enable change streams (mints a new incarnation)", true),
		newTenantSetCommand("disable", "Disable change streams (drops history and kills cursors)", false),
		newTenantStatusCommand(),
	)
	return tenantCmd
}

func newTenantSetCommand(use, short string, enabled bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			st, err := getTransport().SetChangeStreamState(cmd.Context(), tenant, enabled)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "Tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newTenantStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether change streams are enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			st, err := getTransport().ChangeStreamState(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "Tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
