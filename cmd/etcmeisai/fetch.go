package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyan/etcmeisai/internal/config"
	"github.com/tomyan/etcmeisai/internal/service"
)

var errNoCredentials = errors.New("no credentials: set ETC_USERNAME and ETC_PASSWORD, or pass --user from a terminal")

func newFetchCmd(a *app) *cobra.Command {
	var user, password string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Log in as one account and download its CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acc := a.cfg.Credentials
			if user != "" {
				acc = config.Account{UserID: user, Password: password}
				if password == "" && user == a.cfg.Credentials.UserID {
					acc.Password = a.cfg.Credentials.Password
				}
			}
			if acc.Empty() {
				return errNoCredentials
			}
			if acc.Password == "" {
				pw, err := a.readPassword(acc.UserID)
				if err != nil {
					return err
				}
				acc.Password = pw
			}

			res, err := a.scraper().Scrape(cmd.Context(), service.Request{
				UserID:       acc.UserID,
				Password:     acc.Password,
				DownloadPath: a.cfg.Scrape.DownloadDir,
				Headless:     a.cfg.Browser.Headless,
				Timeout:      timeout,
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", acc.UserID, err)
			}
			return writeResult(a.stdout, a.output, FetchResult{
				UserID:  acc.UserID,
				CSVPath: res.CSVPath,
				Bytes:   len(res.CSVContent),
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (env: ETC_USERNAME)")
	cmd.Flags().StringVar(&password, "password", "", "password (prefer ETC_PASSWORD)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline (default from config)")
	return cmd
}
