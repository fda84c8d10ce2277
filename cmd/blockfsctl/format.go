package main

import (
	"fmt"

	"github.com/spf13/cobra"

	blockfs "github.com/blockfs/go-blockfs"
	"github.com/blockfs/go-blockfs/util/timestamp"
)

func newFormatCmd() *cobra.Command {
	var sizeMB int64
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create and format a new volume image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireImage(); err != nil {
				return err
			}
			fsys, err := blockfs.Create(imagePath, sizeMB*1024*1024, log)
			if err != nil {
				return fmt.Errorf("blockfsctl: format: %w", err)
			}
			log.WithField("formatted_at", timestamp.GetTime()).
				WithField("uuid", fsys.VolumeUUID()).
				Info("blockfsctl: formatted volume")
			return fsys.Done()
		},
	}
	cmd.Flags().Int64VarP(&sizeMB, "size", "s", 16, "volume size in MiB")
	return cmd
}
