package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-workflow/internal/client"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

var checkAccess struct {
	addr     string
	token    string
	user     string
	roles    []string
	scopes   []string
	as       []string
	asScopes []string
	timeout  time.Duration
}

var checkAccessCmd = &cobra.Command{
	Use:   "check-access <endpoint> <action>",
	Short: "Ask a running server how it would decide a request",
	Long: `check-access calls ResolveAccess on a running server over gRPC and prints
the decision as JSON. Identify yourself with --token, or with --user and
--roles when the server trusts identity headers. --as evaluates the request
for other roles and requires the admin role.`,
	Example: `  workflow check-access /api/v1/workflow/transitions CREATE --user u-1 --roles ADMIN --as AGENT`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := repository.Action(strings.ToUpper(args[1]))
		if !action.Valid() {
			return errors.InvalidInput("action", "action must be one of CREATE, READ, UPDATE, DELETE")
		}

		c, err := client.NewWorkflowGRPCClient(checkAccess.addr)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), checkAccess.timeout)
		defer cancel()
		if checkAccess.token != "" {
			ctx = client.WithBearer(ctx, checkAccess.token)
		} else {
			ctx = client.WithCaller(ctx, checkAccess.user, checkAccess.roles, checkAccess.scopes)
		}

		var roles, scopes []string
		if cmd.Flags().Changed("as") {
			roles, scopes = checkAccess.as, checkAccess.asScopes
			if roles == nil {
				roles = []string{}
			}
		}
		d, err := c.ResolveAccess(ctx, args[0], action, roles, scopes)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
		if !d.Permitted() {
			return fmt.Errorf("access denied: %s", d.Reason)
		}
		return nil
	},
}

func init() {
	f := checkAccessCmd.Flags()
	f.StringVar(&checkAccess.addr, "addr", "localhost:9086", "gRPC address of the server")
	f.StringVar(&checkAccess.token, "token", "", "bearer token")
	f.StringVar(&checkAccess.user, "user", "", "user id sent as a trusted header")
	f.StringSliceVar(&checkAccess.roles, "roles", nil, "roles sent as a trusted header")
	f.StringSliceVar(&checkAccess.scopes, "directions", nil, "direction ids sent as a trusted header")
	f.StringSliceVar(&checkAccess.as, "as", nil, "evaluate for these roles instead of your own")
	f.StringSliceVar(&checkAccess.asScopes, "as-directions", nil, "direction ids to evaluate with --as")
	f.DurationVar(&checkAccess.timeout, "timeout", 5*time.Second, "request timeout")
}
