package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"pufkey/internal/puf"
)

var busCmd = &cobra.Command{
	Use:   "bus [name]",
	Short: "Deliver a stored key to a protected key bus slot",
	Long: `Bus reconstructs the named key straight into a key bus slot, tagged with
a fresh anti-replay nonce. Only the resulting handle is visible; with
--probe the slot encrypts a test block to show the delivery worked.`,
	Args: cobra.ExactArgs(1),
	RunE: busCmdRun,
}

type busFlags struct {
	busSlot uint8
	probe   string
}

var busArgs busFlags

func init() {
	busCmd.Flags().Uint8Var(&busArgs.busSlot, "bus-slot", 0,
		"Key bus slot that receives the key.")
	busCmd.Flags().StringVar(&busArgs.probe, "probe", "",
		"Plaintext to encrypt with the delivered key.")
	rootCmd.AddCommand(busCmd)
}

func busCmdRun(cmd *cobra.Command, args []string) error {
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

	n, err := s.nonces.Next()
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}

	var (
		handle puf.HardwareKeyHandle
		sealed []byte
	)
	err = s.cycle(ctx, func(m *puf.Manager) error {
		if err := m.Start(act.Code); err != nil {
			return err
		}
		h, err := m.UnwrapToBus(rec.Code, puf.BusSlot(busArgs.busSlot), n)
		if err != nil {
			return err
		}
		handle = h
		if busArgs.probe != "" {
			sealed, err = s.engine.Bus().Encrypt(h, []byte(busArgs.probe))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	s.printf("%s delivered: %s nonce=%08x\n", name, handle, n)
	if sealed != nil {
		s.printf("probe: %s\n", hex.EncodeToString(sealed))
	}
	return nil
}
