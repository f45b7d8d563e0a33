package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"sgkoffline/internal/worker"
)

func init() {
	cacheClearCmd.Flags().Bool("pages", true, "also clear the page cache and re-seed the app shell")
	cacheCmd.AddCommand(cacheClearCmd, cacheSweepCmd)
	rootCmd.AddCommand(cacheCmd, routesCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the request and page caches",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear cached API responses and pages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callControl(cmd.Context(), http.MethodDelete, "/__offline/api", nil); err != nil {
			return err
		}
		fmt.Println("Request cache cleared.")

		if pages, _ := cmd.Flags().GetBool("pages"); !pages {
			return nil
		}
		reply, err := sendMessage(cmd.Context(), worker.ClearCache{})
		if err != nil {
			return err
		}
		if r, ok := reply.(worker.CacheCleared); ok && !r.Success {
			return fmt.Errorf("clear page cache: %s", r.Error)
		}
		fmt.Println("Page cache cleared and re-seeded.")
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop expired API responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]int
		if err := callControl(cmd.Context(), http.MethodPost, "/__offline/api/sweep", &resp); err != nil {
			return err
		}
		fmt.Printf("Swept %d expired entries\n", resp["swept"])
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the routes available offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Routes []string `json:"routes"`
		}
		if err := callControl(cmd.Context(), http.MethodGet, "/__offline/routes", &resp); err != nil {
			return err
		}
		for _, r := range resp.Routes {
			fmt.Println(r)
		}
		return nil
	},
}
