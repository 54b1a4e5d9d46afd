package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

// runCheck logs in with every configured account and prints one line
// per account: "ok" with the pupil names, or the setup error code.
func runCheck(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	newClient := clientFactory(cfg, logger)

	failed := 0
	for _, account := range cfg.ClassCharts.Accounts {
		entry := integration.NewEntry(account)
		pupils, err := integration.ValidateAccount(ctx, newClient(account))
		if err != nil {
			failed++
			logger.Debug("account check failed", "entry_id", entry.ID, "error", err)
			fmt.Fprintf(stdout, "%s: %s\n", entry.Title, integration.ErrorCode(err))
			continue
		}

		names := make([]string, 0, len(pupils))
		for _, p := range pupils {
			names = append(names, p.Name)
		}
		fmt.Fprintf(stdout, "%s: ok (%s)\n", entry.Title, strings.Join(names, ", "))
	}

	if failed > 0 {
		return fmt.Errorf("check failed for %d of %d accounts", failed, len(cfg.ClassCharts.Accounts))
	}
	return nil
}
