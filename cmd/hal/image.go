package main

import (
	"github.com/spf13/cobra"

	"github.com/google/uuid"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/output"
)

func imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect VM images",
	}
	cmd.AddCommand(imageListCmd(), imageSyncCmd())
	return cmd
}

func imageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded images",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			images, err := a.store.ListImages()
			if err != nil {
				return err
			}
			rows := make([]output.ImageRow, 0, len(images))
			for _, img := range images {
				rows = append(rows, output.ImageRow{
					Provider: img.Provider,
					Ref:      img.Ref,
					Name:     img.Label,
					Synced:   humanTime(img.CreatedAt),
				})
			}
			p := output.NewPrinter(output.ParseFormat(outputFormat))
			return p.PrintImages(rows)
		},
	}
	return cmd
}

func imageSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Record the snapshot images the configured slots use",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p := output.NewPrinter(output.ParseFormat(outputFormat))
			for _, slot := range a.cfg.Slots {
				if slot.SnapshotID == "" {
					continue
				}
				img := &domain.Image{
					ID:       uuid.NewString(),
					Provider: slot.Provider,
					Ref:      slot.SnapshotID,
					Label:    slot.Name,
				}
				if err := a.store.RecordImage(img); err != nil {
					return err
				}
			}
			p.Success("Images synced")
			return nil
		},
	}
	return cmd
}
