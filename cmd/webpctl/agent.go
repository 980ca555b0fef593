package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/trunov/webpconv/internal/agent"
	"github.com/trunov/webpconv/internal/agent/cdpdoc"
	"github.com/trunov/webpconv/internal/agent/htmldoc"
	"github.com/trunov/webpconv/internal/entities"
)

var scanCmd = &cobra.Command{
	Use:   "scan <page-url|file.html>",
	Short: "List the WebP images on a page and optionally convert them",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var attachCmd = &cobra.Command{
	Use:   "attach <page-url>",
	Short: "Open a page in a browser and make its WebP images click-to-convert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	scanCmd.Flags().Bool("convert", false, "Click every WebP image found")
	scanCmd.Flags().String("base", "", "Base URL for relative sources when scanning a file")
	scanCmd.Flags().Int("tab", 1, "Tab id the page reports as")
	attachCmd.Flags().String("remote", "", "DevTools websocket URL of an already running browser")
	attachCmd.Flags().Bool("headless", false, "Run the browser headless")
	attachCmd.Flags().Int("tab", 1, "Tab id the page reports as")
	rootCmd.AddCommand(scanCmd, attachCmd)
}

func loadPage(cmd *cobra.Command, src string) (io.ReadCloser, string, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, src, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch page: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("fetch page: %s", resp.Status)
		}
		return resp.Body, resp.Request.URL.String(), nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, "", err
	}
	base, _ := cmd.Flags().GetString("base")
	return f, base, nil
}

// currentPrefs asks the server for preferences. Pages start with what the
// server has and follow changes from there.
func currentPrefs(cmd *cobra.Command) entities.UserPreferences {
	var p entities.UserPreferences
	if err := client(cmd).Do(cmd.Context(), http.MethodGet, "/api/preferences", nil, &p); err != nil {
		pterm.Warning.Printfln("Could not read preferences, using defaults: %v", err)
		return entities.DefaultPreferences()
	}
	return p
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rc, base, err := loadPage(cmd, args[0])
	if err != nil {
		return err
	}
	doc, err := htmldoc.Parse(rc, base)
	rc.Close()
	if err != nil {
		return err
	}

	tab, _ := cmd.Flags().GetInt("tab")
	p := currentPrefs(cmd)
	a := agent.New(doc, client(cmd), agent.Options{TabID: tab, AutoConvert: p.AutoConvert, Format: p.PreferredFormat})
	defer a.Close()

	imgs, err := a.Process(ctx)
	if err != nil {
		return err
	}
	if len(imgs) == 0 {
		pterm.Info.Println("No WebP images found")
		return nil
	}

	if convert, _ := cmd.Flags().GetBool("convert"); convert {
		for _, img := range imgs {
			doc.Click(img.ID, agent.Click{})
		}
	}
	a.Wait()

	if jsonOutput(cmd) {
		return printJSON(imgs)
	}
	rows := pterm.TableData{{"ID", "Source", "Indicator"}}
	for _, img := range imgs {
		rows = append(rows, []string{img.ID, img.Src, doc.Indicator(img.ID)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAttach(cmd *cobra.Command, args []string) error {
	remote, _ := cmd.Flags().GetString("remote")
	headless, _ := cmd.Flags().GetBool("headless")
	tab, _ := cmd.Flags().GetInt("tab")

	browserCtx, cancel := cdpdoc.NewBrowser(cmd.Context(), remote, headless)
	defer cancel()

	doc, err := cdpdoc.Attach(browserCtx)
	if err != nil {
		return err
	}
	if err := doc.Navigate(args[0]); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	c := client(cmd)
	p := currentPrefs(cmd)
	a := agent.New(doc, c, agent.Options{TabID: tab, AutoConvert: p.AutoConvert, Format: p.PreferredFormat})
	defer a.Close()

	if err := a.Start(browserCtx); err != nil {
		return err
	}
	pterm.Success.Printfln("Attached to %s as tab %d; Ctrl-C to stop", args[0], tab)

	err = a.Listen(browserCtx, c)
	a.Wait()
	return err
}
