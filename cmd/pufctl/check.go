package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pufkey/internal/health"
	"pufkey/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run self-checks on the fingerprint, store and enrollment",
	Args:  cobra.NoArgs,
	RunE:  checkCmdRun,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkCmdRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	c := health.NewChecker()
	c.RegisterFunc("fingerprint", true, health.FingerprintCheck(s.fp.Response))
	c.RegisterFunc("store", true, health.LookupCheck("store", store.ErrNotFound, func(ctx context.Context) error {
		_, err := s.store.KeyCodes(ctx, s.deviceID())
		return err
	}))
	c.RegisterFunc("enrollment", false, health.LookupCheck("enrollment", store.ErrNotFound, func(ctx context.Context) error {
		_, err := s.store.Activation(ctx, s.deviceID())
		return err
	}))
	c.RegisterFunc("memory", false, health.MemoryLockCheck())
	if s.cfg.Fingerprint.Source != "tpm" {
		c.RegisterFunc("seed", false, health.FileModeCheck(s.cfg.Fingerprint.SeedPath))
	}

	w := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	for _, r := range c.Run(ctx) {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	overall := c.OverallStatus()
	s.printf("overall: %s\n", overall)
	if overall == health.StatusUnhealthy {
		return errors.New("self-check failed")
	}
	return nil
}
