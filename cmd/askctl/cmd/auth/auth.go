package auth

import (
	"context"

	"github.com/askdb/askdb/cmd/askctl/internal/client"
	"github.com/askdb/askdb/cmd/askctl/internal/config"
	"github.com/spf13/cobra"
)

// AuthCmd is the parent command for auth operations
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication",
	Long:  `Commands for managing authentication and login status.`,
}

func init() {
	AuthCmd.AddCommand(loginCmd)
	AuthCmd.AddCommand(logoutCmd)
	AuthCmd.AddCommand(statusCmd)
	AuthCmd.AddCommand(exportCmd)
}

func loadRuntime(ctx context.Context) (*client.Runtime, *config.GlobalConfig, error) {
	cfg := config.MustFromContext(ctx)
	rt, err := cfg.ClientProvider.Runtime(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}
