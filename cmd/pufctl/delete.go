package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pufkey/internal/store"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Remove a stored key code",
	Long: `Delete removes the named key code from the store. The key it wraps can
no longer be reconstructed unless another copy of the key code exists, for
example in an exported bundle.`,
	Args: cobra.ExactArgs(1),
	RunE: deleteCmdRun,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func deleteCmdRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	err = s.store.DeleteKeyCode(ctx, s.deviceID(), name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no key code named %q for device %s", name, s.deviceID())
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.printf("deleted %s\n", name)
	return nil
}
