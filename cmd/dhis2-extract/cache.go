package main

import (
	"fmt"

	"github.com/Sternrassler/dhis2-extract/pkg/cache"
	"github.com/Sternrassler/dhis2-extract/pkg/client"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis response cache",
	}
	cmd.AddCommand(newCachePurgeCmd())
	return cmd
}

func newCachePurgeCmd() *cobra.Command {
	var (
		redisURL     string
		workspace    string
		connections  string
		connectionID string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every cached response of one connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if redisURL == "" {
				return fmt.Errorf("--redis-url is required")
			}

			resolver, err := newResolver(connections, workspace)
			if err != nil {
				return err
			}
			conn, err := resolver.Resolve(ctx, connectionID)
			if err != nil {
				return err
			}

			rdb, err := newRedisClient(ctx, redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			n, err := cache.NewManager(rdb).Purge(ctx, client.AppendAPIToURL(conn.URL), conn.Username)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached responses for %s\n", n, connectionID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&redisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis address or URL")
	f.StringVar(&workspace, "workspace", getEnv("WORKSPACE_FILES_PATH", "."), "Workspace files root")
	f.StringVar(&connections, "connections", getEnv("DHIS2_CONNECTIONS", ""), "YAML connection store")
	f.StringVar(&connectionID, "connection-id", "iulia-bdi", "Connection whose cache entries are dropped")
	return cmd
}
