// Command webpctl drives a running webpconv server: the popup, the context
// menu, downloads and page agents.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/trunov/webpconv/internal/messaging"
)

const defaultServer = "http://localhost:8080"

var rootCmd = &cobra.Command{
	Use:           "webpctl",
	Short:         "Convert WebP images to JPG or PNG through a webpconv server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "webpconv server URL (default $WEBPCONV_SERVER or "+defaultServer+")")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format (json)")
}

func serverURL(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("server"); strings.TrimSpace(s) != "" {
		return s
	}
	if s := os.Getenv("WEBPCONV_SERVER"); strings.TrimSpace(s) != "" {
		return s
	}
	return defaultServer
}

func client(cmd *cobra.Command) *messaging.HTTPClient {
	return messaging.NewHTTPClient(serverURL(cmd))
}

func jsonOutput(cmd *cobra.Command) bool {
	output, _ := cmd.Flags().GetString("output")
	return output == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}
