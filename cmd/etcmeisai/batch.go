package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyan/etcmeisai/internal/service"
)

var errNoAccounts = errors.New("no accounts: set ETC_ACCOUNTS to a JSON array of {\"user_id\",\"password\"}")

func newBatchCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Download the CSV for every account in ETC_ACCOUNTS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts := a.cfg.AllAccounts()
			if len(accounts) == 0 {
				return errNoAccounts
			}

			reqs := make([]service.Request, len(accounts))
			for i, acc := range accounts {
				reqs[i] = service.Request{
					UserID:       acc.UserID,
					Password:     acc.Password,
					DownloadPath: a.cfg.Scrape.DownloadDir,
					Headless:     a.cfg.Browser.Headless,
					Timeout:      timeout,
				}
			}

			outcomes := a.scraper().ScrapeAll(cmd.Context(), reqs)
			res := newBatchResult(outcomes)
			if err := writeResult(a.stdout, a.output, res); err != nil {
				return err
			}

			for _, o := range outcomes {
				if o.Err != nil {
					return fmt.Errorf("%d of %d accounts failed (first: %s): %w", res.Failed, len(outcomes), o.UserID, o.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 1, "browsers run at once (env: ETC_SCRAPE_CONCURRENCY)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline per account (default from config)")
	return cmd
}
