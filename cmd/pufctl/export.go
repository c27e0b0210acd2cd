package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pufkey/internal/bundle"
	"pufkey/internal/logging"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write this device's activation and key codes to a provisioning bundle",
	Example: `  # JSON bundle on stdout
  pufctl export -

  # CBOR bundle picked from the extension
  pufctl export device.cbor`,
	Args: cobra.ExactArgs(1),
	RunE: exportCmdRun,
}

type exportFlags struct {
	format string
}

var exportArgs exportFlags

func init() {
	exportCmd.Flags().StringVar(&exportArgs.format, "format", "",
		"Bundle encoding: json or cbor (default: from the file extension).")
	rootCmd.AddCommand(exportCmd)
}

func exportCmdRun(cmd *cobra.Command, args []string) error {
	target := args[0]
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{store: true})
	if err != nil {
		return err
	}
	defer s.close()

	format := bundle.FormatFromPath(target)
	if exportArgs.format != "" {
		if format, err = bundle.ParseFormat(exportArgs.format); err != nil {
			return err
		}
	}

	b, err := bundle.FromStore(ctx, s.store, s.deviceID())
	if err != nil {
		s.auditTransfer(ctx, logging.AuditEventExport, target, 0, err)
		return err
	}

	var buf bytes.Buffer
	if err := b.Encode(&buf, format); err != nil {
		return err
	}

	if target == "-" {
		_, err = rootCmd.OutOrStdout().Write(buf.Bytes())
	} else {
		err = os.WriteFile(target, buf.Bytes(), 0o600)
	}
	s.auditTransfer(ctx, logging.AuditEventExport, target, len(b.KeyCodes), err)
	if err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	if target != "-" {
		s.printf("exported %d key codes to %s (%s)\n", len(b.KeyCodes), target, format)
	}
	return nil
}
