package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

type visitOptions struct {
	find       []string
	wait       string
	eval       string
	screenshot string
	fullPage   bool
	headful    bool
	ignoreTLS  bool
	block      []string
	allow      []string
}

// apply copies the browser and network flags onto cfg.
func (o visitOptions) apply(cfg config.Interface) {
	if o.headful {
		cfg.SetBrowserHeadless(false)
	}
	if o.ignoreTLS {
		cfg.SetBrowserIgnoreTLSErrors(true)
	}
	if len(o.block) > 0 {
		cfg.SetNetworkBlacklist(o.block)
	}
	if len(o.allow) > 0 {
		cfg.SetNetworkWhitelist(o.allow)
	}
}

func newVisitCmd() *cobra.Command {
	var opts visitOptions

	cmd := &cobra.Command{
		Use:   "visit [url]",
		Short: "Open a URL in a fresh session and report on the page",
		Long: `Visit launches Chrome, opens an isolated session, navigates to the URL and
prints the final URL, HTTP status and title. Optional flags query the
rendered DOM, evaluate an expression or capture a screenshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cfg)
			return runVisit(cmd.Context(), cfg, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVar(&opts.find, "find", nil, "CSS selector whose matches are printed (repeatable)")
	cmd.Flags().StringVar(&opts.wait, "wait", "", "CSS selector to wait for before reporting")
	cmd.Flags().StringVar(&opts.eval, "eval", "", "JavaScript expression to evaluate in the page")
	cmd.Flags().StringVar(&opts.screenshot, "screenshot", "", "write a PNG screenshot to this file")
	cmd.Flags().BoolVar(&opts.fullPage, "full-page", false, "capture the whole page instead of the viewport")
	cmd.Flags().BoolVar(&opts.headful, "headful", false, "show the browser window")
	cmd.Flags().BoolVar(&opts.ignoreTLS, "ignore-tls-errors", false, "accept invalid TLS certificates")
	cmd.Flags().StringSliceVar(&opts.block, "block", nil, "URL glob to block (repeatable)")
	cmd.Flags().StringSliceVar(&opts.allow, "allow", nil, "URL glob to allow; all others are blocked (repeatable)")
	return cmd
}

func runVisit(ctx context.Context, cfg config.Interface, rawURL string, opts visitOptions, out io.Writer) error {
	logger := observability.GetLogger().Named("visit")

	browser, err := driver.NewBrowser(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	session, err := browser.NewSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	if err := session.Visit(ctx, rawURL); err != nil {
		return err
	}
	if opts.wait != "" {
		if _, err := session.WaitFor(ctx, "css", opts.wait); err != nil {
			return err
		}
	}

	current, err := session.CurrentURL(ctx)
	if err != nil {
		return err
	}
	status, err := session.StatusCode()
	if err != nil {
		return err
	}
	title, err := session.Title(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "URL:    %s\nStatus: %d\nTitle:  %s\n", current, status, title)

	if len(opts.find) > 0 {
		doc, err := session.Snapshot(ctx)
		if err != nil {
			return err
		}
		printMatches(out, doc, opts.find)
	}

	if opts.eval != "" {
		v, err := session.EvaluateScript(ctx, opts.eval)
		if err != nil {
			return err
		}
		encoded, err := jsoniter.MarshalToString(printable(ctx, v))
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintf(out, "Result: %s\n", encoded)
	}

	if opts.screenshot != "" {
		png, err := session.Screenshot(ctx, opts.fullPage)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.screenshot, png, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		fmt.Fprintf(out, "Screenshot: %s (%d bytes)\n", opts.screenshot, len(png))
	}
	return nil
}

func printMatches(out io.Writer, doc *goquery.Document, selectors []string) {
	for _, sel := range selectors {
		matches := doc.Find(sel)
		fmt.Fprintf(out, "%s: %d match(es)\n", sel, matches.Length())
		matches.Each(func(i int, m *goquery.Selection) {
			text := strings.Join(strings.Fields(m.Text()), " ")
			fmt.Fprintf(out, "  [%d] %s\n", i, text)
		})
	}
}

// printable replaces element references with their XPath so script results
// can be encoded.
func printable(ctx context.Context, v interface{}) interface{} {
	switch v := v.(type) {
	case *driver.Node:
		path, err := v.Path(ctx)
		if err != nil {
			return "<element>"
		}
		return "<element " + path + ">"
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = printable(ctx, item)
		}
		return out
	default:
		return v
	}
}
