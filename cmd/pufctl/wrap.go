package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pufkey/internal/hardware"
	"pufkey/internal/puf"
	"pufkey/internal/security"
	"pufkey/internal/store"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap [name]",
	Short: "Wrap a user-supplied or device-intrinsic key into a stored key code",
	Example: `  # wrap a 32-byte key read from a file into slot 2
  pufctl wrap disk --slot 2 --key-file ./disk.key

  # have the device generate a 16-byte key bound to slot 1
  pufctl wrap session --slot 1 --intrinsic --length 16`,
	Args: cobra.ExactArgs(1),
	RunE: wrapCmdRun,
}

type wrapFlags struct {
	slot      uint8
	intrinsic bool
	length    int
	keyFile   string
}

var wrapArgs wrapFlags

func init() {
	wrapCmd.Flags().Uint8Var(&wrapArgs.slot, "slot", 0,
		"Key slot the key code is bound to.")
	wrapCmd.Flags().BoolVar(&wrapArgs.intrinsic, "intrinsic", false,
		"Generate a device-intrinsic key instead of wrapping a supplied one.")
	wrapCmd.Flags().IntVar(&wrapArgs.length, "length", 32,
		"Length in bytes of the intrinsic key.")
	wrapCmd.Flags().StringVar(&wrapArgs.keyFile, "key-file", "",
		"File holding the raw key bytes, or - for stdin.")
	rootCmd.AddCommand(wrapCmd)
}

func readKeyFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(rootCmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func wrapCmdRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	if wrapArgs.intrinsic == (wrapArgs.keyFile != "") {
		return fmt.Errorf("exactly one of --intrinsic or --key-file is required")
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	act, err := s.activation(ctx)
	if err != nil {
		return err
	}

	var secret []byte
	if !wrapArgs.intrinsic {
		secret, err = readKeyFile(wrapArgs.keyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
	}

	slot := puf.SlotIndex(wrapArgs.slot)
	var kc puf.KeyCode
	err = security.GuardedExec(secret, func(secret []byte) error {
		return s.cycle(ctx, func(m *puf.Manager) error {
			if err := m.Start(act.Code); err != nil {
				return err
			}
			var (
				code puf.KeyCode
				err  error
			)
			if wrapArgs.intrinsic {
				code, err = m.WrapIntrinsicKey(slot, wrapArgs.length)
			} else {
				code, err = m.WrapUserKey(slot, secret)
			}
			kc = code
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("wrap: %w", err)
	}

	info, err := hardware.InspectKeyCode(kc)
	if err != nil {
		return err
	}

	rec := &store.KeyCode{
		DeviceID:     s.deviceID(),
		Name:         name,
		EnrollmentID: act.EnrollmentID,
		Slot:         uint8(info.Slot),
		KeyLength:    info.KeyLength,
		Intrinsic:    info.Intrinsic,
		Code:         kc,
	}
	if err := s.store.PutKeyCode(ctx, rec); err != nil {
		return fmt.Errorf("store key code: %w", err)
	}

	s.printf("wrapped %s: slot %d, %d-byte key, %d-byte key code\n", name, rec.Slot, rec.KeyLength, len(kc))
	return nil
}
