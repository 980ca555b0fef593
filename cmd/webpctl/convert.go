package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/transport/handler"
)

var convertCmd = &cobra.Command{
	Use:   "convert <image-url>",
	Short: "Convert an image as if picked from the context menu",
	Args:  cobra.ExactArgs(1),
	RunE:  runConvert,
}

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a URL; WebP downloads are converted while auto-convert is on",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications pushed by the server",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	convertCmd.Flags().StringP("format", "f", "jpg", "Target format (jpg or png)")
	convertCmd.Flags().Int("tab", 0, "Tab that receives status messages")
	downloadCmd.Flags().String("filename", "", "Suggested filename")
	watchCmd.Flags().Int("tab", 0, "Only show notifications for this tab (0 shows all)")
	rootCmd.AddCommand(convertCmd, downloadCmd, watchCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	f, err := entities.ParseFormat(format)
	if err != nil {
		return err
	}
	tab, _ := cmd.Flags().GetInt("tab")

	body, err := json.Marshal(handler.ContextMenuParams{SrcURL: args[0], TabID: tab})
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Converting " + args[0])
	var out handler.ContextMenuResponse
	err = client(cmd).Do(cmd.Context(), http.MethodPost, "/api/context-menu/"+string(f), body, &out)
	if err != nil {
		spinner.Fail("Conversion failed")
		return err
	}
	if jsonOutput(cmd) {
		_ = spinner.Stop()
		return printJSON(out)
	}
	spinner.Success("Saved " + out.Filename + " (download #" + strconv.Itoa(out.DownloadID) + ")")
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("filename")
	body, err := json.Marshal(handler.DownloadParams{URL: args[0], Filename: filename})
	if err != nil {
		return err
	}

	var out handler.DownloadResponse
	if err := client(cmd).Do(cmd.Context(), http.MethodPost, "/api/downloads", body, &out); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(out)
	}
	if out.Replaced {
		pterm.Info.Printfln("Download #%d replaced by a conversion", out.ID)
		return nil
	}
	pterm.Success.Printfln("Saved %s (%d bytes)", out.Path, out.Bytes)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	tab, _ := cmd.Flags().GetInt("tab")
	ch, err := client(cmd).Listen(cmd.Context(), tab)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Listening on %s", serverURL(cmd))
	for n := range ch {
		if jsonOutput(cmd) {
			_ = printJSON(n)
			continue
		}
		printNotification(n)
	}
	return nil
}

func printNotification(n messaging.Notification) {
	ts := time.Now().Format("15:04:05")
	data, _ := json.Marshal(n.Data)
	switch n.Action {
	case messaging.ActionShowError:
		pterm.Error.Printfln("%s tab %d: %s", ts, n.TabID, data)
	case messaging.ActionStatus:
		pterm.Info.Printfln("%s tab %d: %s", ts, n.TabID, data)
	default:
		pterm.Printfln("%s %s %s", ts, pterm.Bold.Sprint(n.Action), data)
	}
}
