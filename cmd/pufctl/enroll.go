package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pufkey/internal/hardware"
	"pufkey/internal/puf"
	"pufkey/internal/store"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll the device fingerprint and store the activation code",
	Long: `Enroll derives a fresh activation code from the device fingerprint and
stores it. Re-enrolling a device invalidates every key code made under the
previous activation; those are dropped from the store.`,
	Args: cobra.NoArgs,
	RunE: enrollCmdRun,
}

type enrollFlags struct {
	force bool
}

var enrollArgs enrollFlags

func init() {
	enrollCmd.Flags().BoolVar(&enrollArgs.force, "force", false,
		"Replace an existing enrollment and drop its key codes.")
	rootCmd.AddCommand(enrollCmd)
}

func enrollCmdRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	existing, err := s.store.Activation(ctx, s.deviceID())
	switch {
	case err == nil && !enrollArgs.force:
		return fmt.Errorf("device %s is already enrolled (%s), use --force to replace it",
			s.deviceID(), existing.EnrollmentID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}

	var ac puf.ActivationCode
	err = s.cycle(ctx, func(m *puf.Manager) error {
		code, err := m.Enroll()
		ac = code
		return err
	})
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	id, err := hardware.EnrollmentID(ac)
	if err != nil {
		return err
	}

	if err := s.store.PutActivation(ctx, &store.Activation{
		DeviceID:     s.deviceID(),
		EnrollmentID: id.String(),
		Code:         ac,
	}); err != nil {
		return fmt.Errorf("store activation: %w", err)
	}

	s.printf("enrolled %s\n", s.deviceID())
	s.printf("enrollment: %s\n", id)
	return nil
}
