package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4"
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an lz4-compressed copy of the volume image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireImage(); err != nil {
				return err
			}
			if dest == "" {
				return fmt.Errorf("blockfsctl: --out is required")
			}
			return backupImage(imagePath, dest)
		},
	}
	cmd.Flags().StringVarP(&dest, "out", "o", "", "path to write the compressed backup to")
	return cmd
}

func backupImage(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("blockfsctl: backup: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("blockfsctl: backup: %w", err)
	}
	defer out.Close()

	w := lz4.NewWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("blockfsctl: backup: %w", err)
	}
	return w.Close()
}

func newRestoreCmd() *cobra.Command {
	var src string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a volume image from an lz4-compressed backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireImage(); err != nil {
				return err
			}
			if src == "" {
				return fmt.Errorf("blockfsctl: --from is required")
			}
			return restoreImage(src, imagePath)
		},
	}
	cmd.Flags().StringVar(&src, "from", "", "path to the compressed backup to restore from")
	return cmd
}

func restoreImage(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("blockfsctl: restore: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("blockfsctl: restore: %w", err)
	}
	defer out.Close()

	r := lz4.NewReader(in)
	_, err = io.Copy(out, r)
	if err != nil {
		return fmt.Errorf("blockfsctl: restore: %w", err)
	}
	return nil
}
