package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smallbiznis/tpp-broker/internal/bootstrap"
	"github.com/smallbiznis/tpp-broker/internal/domain"
)

func newImportDirectoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import-directory [file.json]",
		Short: "Store institutions from a directory export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := bootstrap.ImportDirectory(cmd.Context(), a.registry, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d authorisation servers\n", n)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered institutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			servers, err := a.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREDENTIALS\tOPENID")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", s.ID, s.DirectoryConfig.CustomerFriendlyName, len(s.ClientCredentials), s.OpenIDConfig != nil)
			}
			return w.Flush()
		},
	}
}

func newAddClientCredentialsCmd(a *app) *cobra.Command {
	var clientID, clientSecret, ssid string
	cmd := &cobra.Command{
		Use:   "add-client-credentials [authorisation-server-id]",
		Short: "Store client credentials issued by an institution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.softwareStatementID(ssid)
			if err != nil {
				return err
			}
			err = a.registry.UpsertClientCredentials(cmd.Context(), args[0], domain.ClientCredentials{
				SoftwareStatementID: id,
				ClientID:            clientID,
				ClientSecret:        clientSecret,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored client credentials for %s (%s)\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id issued by the institution")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "client secret issued by the institution")
	cmd.Flags().StringVar(&ssid, "software-statement-id", "", "software statement the credentials belong to")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func newRegisterConfigCmd(a *app) *cobra.Command {
	var field, value, ssid string
	cmd := &cobra.Command{
		Use:   "register-config [authorisation-server-id]",
		Short: "Set a registration value such as request_object_signing_alg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.softwareStatementID(ssid)
			if err != nil {
				return err
			}
			server, err := a.registry.ResolveConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			registered, _ := server.RegisteredConfigFor(id)
			registered.SoftwareStatementID = id
			if err := registered.SetField(field, fieldValue(value)); err != nil {
				return err
			}
			if err := a.registry.UpsertRegisteredConfig(cmd.Context(), args[0], registered); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s for %s (%s)\n", field, args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "registration field name")
	cmd.Flags().StringVar(&value, "value", "", "field value, JSON or a bare string")
	cmd.Flags().StringVar(&ssid, "software-statement-id", "", "software statement the registration belongs to")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// fieldValue passes JSON through and quotes anything else.
func fieldValue(value string) json.RawMessage {
	trimmed := strings.TrimSpace(value)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(value)
	return quoted
}

func newRefreshOpenIDCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-openid [authorisation-server-id]",
		Short: "Fetch OpenID discovery documents",
		Long:  "Without an id, fetches documents for every institution that has none cached.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := a.registry.RefreshOpenIDConfig(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %s\n", args[0])
				return nil
			}
			if err := a.registry.RefreshOpenIDConfigs(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "refreshed missing openid configurations")
			return nil
		},
	}
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage caller sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create [username]",
			Short: "Issue a session token for username",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sid, err := a.sessions.Create(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sid)
				return nil
			},
		},
		&cobra.Command{
			Use:   "destroy [session-id]",
			Short: "Revoke a session token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.sessions.Destroy(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
