package main

import (
	"net/http"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/popup"
)

var popupCmd = &cobra.Command{
	Use:   "popup",
	Short: "Show auto-convert, the preferred format and recent conversions",
	RunE:  runPopup,
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Flip auto-convert",
	Args:  cobra.NoArgs,
	RunE:  runToggle,
}

var formatCmd = &cobra.Command{
	Use:       "format <jpg|png>",
	Short:     "Set the format used by auto-convert and page clicks",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"jpg", "png"},
	RunE:      runFormat,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the recent conversions",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	popupCmd.Flags().BoolP("watch", "w", false, "Redraw whenever preferences or history change")
	rootCmd.AddCommand(popupCmd, toggleCmd, formatCmd, clearCmd)
}

func runPopup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client(cmd)

	if err := showPopup(cmd, c); err != nil {
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}

	ch, err := c.Listen(ctx, 0)
	if err != nil {
		return err
	}
	for n := range ch {
		switch n.Action {
		case messaging.ActionUpdateRecentConversions, messaging.ActionPreferencesChanged:
			if err := showPopup(cmd, c); err != nil {
				pterm.Warning.Println(err)
			}
		}
	}
	return nil
}

func showPopup(cmd *cobra.Command, c *messaging.HTTPClient) error {
	var v popup.View
	if err := c.Do(cmd.Context(), http.MethodGet, "/api/conversions", nil, &v); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(v)
	}
	printView(v)
	return nil
}

func printView(v popup.View) {
	state := pterm.FgGray.Sprint("off")
	if v.AutoConvert {
		state = pterm.FgGreen.Sprint("on")
	}
	pterm.Println()
	pterm.Printf("  %s %s\n", pterm.Bold.Sprint("Auto-convert:"), state)
	if v.ShowFormatSelector {
		pterm.Printf("  %s %s\n", pterm.Bold.Sprint("Format:"), v.PreferredFormat)
	}
	pterm.Println()

	if v.Empty != "" {
		pterm.Info.Println(v.Empty)
		return
	}
	rows := pterm.TableData{{"File", "Source", "When"}}
	for _, r := range v.Rows {
		rows = append(rows, []string{r.Filename, r.OriginalURL, r.Ago})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runToggle(cmd *cobra.Command, args []string) error {
	var p entities.UserPreferences
	if err := client(cmd).Do(cmd.Context(), http.MethodPost, "/api/preferences/toggle", nil, &p); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(p)
	}
	if p.AutoConvert {
		pterm.Success.Printfln("Auto-convert on, saving as %s", p.PreferredFormat)
	} else {
		pterm.Success.Println("Auto-convert off")
	}
	return nil
}

func runFormat(cmd *cobra.Command, args []string) error {
	f, err := entities.ParseFormat(args[0])
	if err != nil {
		return err
	}
	var p entities.UserPreferences
	if err := client(cmd).Do(cmd.Context(), http.MethodPost, "/api/preferences/format/"+string(f), nil, &p); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(p)
	}
	pterm.Success.Printfln("Preferred format set to %s", p.PreferredFormat)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if err := client(cmd).Do(cmd.Context(), http.MethodDelete, "/api/conversions", nil, nil); err != nil {
		return err
	}
	pterm.Success.Println("Recent conversions cleared")
	return nil
}
