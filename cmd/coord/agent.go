package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/engine"
	"coordline/internal/server"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage worker credentials"}

	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var name string
	issue := &cobra.Command{
		Use:   "issue <agent-id>",
		Short: "Issue an API key; the key is shown only once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issued, err := e.IssueAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issued)
				}
				fmt.Printf("Key %s for %s\n%s\n", issued.ID, issued.AgentID, issued.Key)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&name, "name", "", "label for the key")

	list := &cobra.Command{
		Use:   "list [agent-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := ""
			if len(args) == 1 {
				agent = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, agent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Agent", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.AgentID, k.Name, formatTime(&k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, agentID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	key.AddCommand(issue, list, revoke)

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token <agent-id>",
		Short: "Mint a bearer token signed with the JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("COORD_JWT_SECRET or --jwt-secret is required")
			}
			tok, err := server.SignToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(key, token)
	return cmd
}
