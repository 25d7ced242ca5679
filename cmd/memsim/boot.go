package main

import (
	"github.com/spf13/cobra"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/memory"
)

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory manager and print its state",
		Long: `The boot command initializes every memory manager component from the
configuration, verifies their invariants and prints the zones, the buddy
free areas and the object caches.

Example:
  memsim boot
  memsim boot --config memory.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			mem, err := memory.Boot(cfg)
			if err != nil {
				return err
			}
			defer mem.Shutdown()

			mem.CheckInvariants()
			mem.Report(cmd.OutOrStdout())
			return nil
		},
	}
}
