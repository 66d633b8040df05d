package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Flags read with these helpers are registered in init(), so a lookup error
// is a programming bug and panics.

func mustGetBool(cmd *cobra.Command, name string) bool {
	return mustFlag(cmd, name, cmd.Flags().GetBool)
}

func mustGetInt(cmd *cobra.Command, name string) int {
	return mustFlag(cmd, name, cmd.Flags().GetInt)
}

func mustFlag[T any](cmd *cobra.Command, name string, get func(string) (T, error)) T {
	val, err := get(name)
	if err != nil {
		panic(fmt.Sprintf("%s: flag --%s: %v", cmd.Name(), name, err))
	}
	return val
}

// countFlag reads a limit-style int flag where 0 means "no limit".
func countFlag(cmd *cobra.Command, name string) (int, error) {
	val := mustGetInt(cmd, name)
	if val < 0 {
		return 0, fmt.Errorf("--%s must be 0 or positive, got %d", name, val)
	}
	return val, nil
}
