package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pufkey/internal/puf"
	"pufkey/internal/security"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the reference enroll, wrap and unwrap flow without touching storage",
	Args:  cobra.NoArgs,
	RunE:  demoCmdRun,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func demoCmdRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close()

	sizes := s.engine.Sizes()
	s.printf("device:          %s\n", s.deviceID())
	s.printf("activation size: %d bytes\n", sizes.ActivationCodeSize)

	var ac puf.ActivationCode
	err = s.cycle(ctx, func(m *puf.Manager) error {
		code, err := m.Enroll()
		ac = code
		return err
	})
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	s.printf("enrolled:        %d-byte activation code\n", len(ac))

	return security.GuardedExec(demoUserKey(), func(userKey []byte) error {
		return s.cycle(ctx, func(m *puf.Manager) error {
			return demoCycle(s, m, ac, userKey)
		})
	})
}

// demoCycle wraps the user key and an intrinsic key, delivers the user
// key to the bus and checks both reconstruct.
func demoCycle(s *session, m *puf.Manager, ac puf.ActivationCode, userKey []byte) error {
	if err := m.Start(ac); err != nil {
		return err
	}

	userCode, err := m.WrapUserKey(0, userKey)
	if err != nil {
		return err
	}
	s.printf("user key code:   slot 0, %d bytes\n", len(userCode))

	intrinsicCode, err := m.WrapIntrinsicKey(1, 16)
	if err != nil {
		return err
	}
	s.printf("intrinsic code:  slot 1, %d bytes\n", len(intrinsicCode))

	n, err := s.nonces.Next()
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	h, err := m.UnwrapToBus(userCode, 0, n)
	if err != nil {
		return err
	}
	s.printf("bus delivery:    %s\n", h)

	dk, err := m.UnwrapToBuffer(intrinsicCode, 16)
	if err != nil {
		return err
	}
	s.printf("intrinsic kcv:   %s\n", keyCheckValue(dk.Bytes()))
	dk.Wipe()

	dk, err = m.UnwrapToBuffer(userCode, len(userKey))
	if err != nil {
		return err
	}
	defer dk.Wipe()
	if !security.ConstantTimeCompare(dk.Bytes(), userKey) {
		return fmt.Errorf("reconstructed user key differs from the original")
	}
	s.printf("user key:        reconstructed, kcv %s\n", keyCheckValue(dk.Bytes()))
	return nil
}
