package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tomyan/etcmeisai/internal/scraper"
	"github.com/tomyan/etcmeisai/internal/service"
)

// TextValuer is implemented by results with a plain-text rendering.
type TextValuer interface {
	TextValue() string
}

// FetchResult is printed by fetch.
type FetchResult struct {
	UserID  string `json:"userId"`
	CSVPath string `json:"csvPath"`
	Bytes   int    `json:"bytes"`
}

func (r FetchResult) TextValue() string { return r.CSVPath }

// AccountResult is one line of a batch.
type AccountResult struct {
	UserID    string `json:"userId"`
	CSVPath   string `json:"csvPath,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// BatchResult is printed by batch.
type BatchResult struct {
	Accounts []AccountResult `json:"accounts"`
	Failed   int             `json:"failed"`
}

func (r BatchResult) TextValue() string {
	var b strings.Builder
	for i, acc := range r.Accounts {
		if i > 0 {
			b.WriteByte('\n')
		}
		if acc.Error != "" {
			fmt.Fprintf(&b, "%s\tfailed\t%s", acc.UserID, acc.Error)
		} else {
			fmt.Fprintf(&b, "%s\tok\t%s", acc.UserID, acc.CSVPath)
		}
	}
	return b.String()
}

// VersionResult is printed by version.
type VersionResult struct {
	Version string `json:"version"`
}

func (r VersionResult) TextValue() string { return r.Version }

func newBatchResult(outcomes []service.Outcome) BatchResult {
	res := BatchResult{Accounts: make([]AccountResult, 0, len(outcomes))}
	for _, o := range outcomes {
		acc := AccountResult{UserID: o.UserID}
		if o.Err != nil {
			res.Failed++
			acc.Error = o.Err.Error()
			if kind := scraper.KindOf(o.Err); kind != 0 {
				acc.Kind = kind.String()
			}
			acc.Retryable = scraper.IsRetryable(o.Err)
		} else if o.Result != nil {
			acc.CSVPath = o.Result.CSVPath
			acc.Bytes = len(o.Result.CSVContent)
		}
		res.Accounts = append(res.Accounts, acc)
	}
	return res
}

func writeResult(w io.Writer, format string, v any) error {
	if format == "text" {
		if tv, ok := v.(TextValuer); ok {
			_, err := fmt.Fprintln(w, tv.TextValue())
			return err
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
