package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pufkey/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the device, engine sizes and stored enrollment",
	Args:  cobra.NoArgs,
	RunE:  statusCmdRun,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCmdRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if errors.Is(err, store.ErrNoBackend) {
		s, err = openSession(ctx, sessionOptions{})
	}
	if err != nil {
		return err
	}
	defer s.close()

	sizes := s.engine.Sizes()
	s.printf("device:       %s\n", s.deviceID())
	s.printf("fingerprint:  %s\n", s.cfg.Fingerprint.Source)
	s.printf("state:        %s\n", s.mgr.State())
	s.printf("activation:   %d bytes\n", sizes.ActivationCodeSize)
	s.printf("key sizes:    %v\n", sizes.SupportedKeySizes)
	s.printf("slots:        0-%d, bus slots: %d\n", sizes.MaxSlot, sizes.BusSlots)
	s.printf("store:        %s\n", s.cfg.Store.Backend)

	if s.store == nil {
		return nil
	}
	if db, ok := s.store.(*store.SQLite); ok {
		ms, err := store.GetMigrationStatus(db.DB())
		if err != nil {
			return err
		}
		s.printf("schema:       v%d\n", ms.CurrentVersion)
	}

	act, err := s.store.Activation(ctx, s.deviceID())
	if errors.Is(err, store.ErrNotFound) {
		s.printf("enrollment:   none\n")
		return nil
	}
	if err != nil {
		return err
	}
	s.printf("enrollment:   %s (%s)\n", act.EnrollmentID, act.CreatedAt.Format("2006-01-02 15:04:05"))

	kcs, err := s.store.KeyCodes(ctx, s.deviceID())
	if err != nil {
		return err
	}
	if len(kcs) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nNAME\tSLOT\tLENGTH\tSOURCE")
	for _, kc := range kcs {
		source := "user"
		if kc.Intrinsic {
			source = "intrinsic"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", kc.Name, kc.Slot, kc.KeyLength, source)
	}
	return w.Flush()
}
