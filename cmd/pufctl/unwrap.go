package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pufkey/internal/puf"
	"pufkey/internal/store"
)

var unwrapCmd = &cobra.Command{
	Use:   "unwrap [name]",
	Short: "Reconstruct a stored key and print its check value",
	Long: `Unwrap reconstructs the named key inside a power cycle and prints a
key check value so the key can be compared against another copy. The key
itself is wiped before the cycle ends and is never printed or stored.`,
	Args: cobra.ExactArgs(1),
	RunE: unwrapCmdRun,
}

func init() {
	rootCmd.AddCommand(unwrapCmd)
}

// loadKeyCode fetches the activation and the named key code and checks
// they belong together.
func (s *session) loadKeyCode(ctx context.Context, name string) (*store.Activation, *store.KeyCode, error) {
	act, err := s.activation(ctx)
	if err != nil {
		return nil, nil, err
	}
	kc, err := s.store.KeyCode(ctx, s.deviceID(), name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("no key code named %q for device %s", name, s.deviceID())
	}
	if err != nil {
		return nil, nil, err
	}
	if kc.EnrollmentID != act.EnrollmentID {
		return nil, nil, fmt.Errorf("key code %q belongs to enrollment %s, device is on %s",
			name, kc.EnrollmentID, act.EnrollmentID)
	}
	return act, kc, nil
}

func unwrapCmdRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	act, rec, err := s.loadKeyCode(ctx, name)
	if err != nil {
		return err
	}

	var kcv string
	err = s.cycle(ctx, func(m *puf.Manager) error {
		if err := m.Start(act.Code); err != nil {
			return err
		}
		dk, err := m.UnwrapToBuffer(rec.Code, rec.KeyLength)
		if err != nil {
			return err
		}
		defer dk.Wipe()
		kcv = keyCheckValue(dk.Bytes())
		return nil
	})
	if err != nil {
		return fmt.Errorf("unwrap: %w", err)
	}

	s.printf("%s: slot %d, %d bytes, kcv %s\n", name, rec.Slot, rec.KeyLength, kcv)
	return nil
}
