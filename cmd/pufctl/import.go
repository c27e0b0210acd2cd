package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pufkey/internal/bundle"
	"pufkey/internal/logging"
)

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load a provisioning bundle into the store",
	Long: `Import validates a JSON or CBOR bundle against the engine's sizes and
writes its activation and key codes to the configured store. By default the
bundle must belong to this device, and its enrollment ID must match the one
embedded in its activation code. The activation and key codes are written
as one unit.`,
	Args: cobra.ExactArgs(1),
	RunE: importCmdRun,
}

type importFlags struct {
	anyDevice bool
}

var importArgs importFlags

func init() {
	importCmd.Flags().BoolVar(&importArgs.anyDevice, "any-device", false,
		"Accept bundles made for another device, e.g. when staging a store.")
	rootCmd.AddCommand(importCmd)
}

func importCmdRun(cmd *cobra.Command, args []string) error {
	source := args[0]
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	b, err := readBundle(source)
	if err == nil {
		err = b.CheckSizes(s.engine.Sizes())
	}
	if err == nil {
		err = b.CheckEnrollment()
	}
	if err == nil && !importArgs.anyDevice && b.DeviceID != s.deviceID() {
		err = fmt.Errorf("bundle is for device %s, this is %s", b.DeviceID, s.deviceID())
	}
	if err == nil {
		err = b.Apply(ctx, s.store)
	}

	codes := 0
	if b != nil {
		codes = len(b.KeyCodes)
	}
	s.auditTransfer(ctx, logging.AuditEventImport, source, codes, err)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	s.printf("imported %d key codes for %s (enrollment %s)\n", codes, b.DeviceID, b.EnrollmentID)
	return nil
}

func readBundle(source string) (*bundle.Bundle, error) {
	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(rootCmd.InOrStdin())
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return bundle.Decode(data)
}
