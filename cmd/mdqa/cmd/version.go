package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mdqa version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mdqa version %s\n", Version)
		},
	}
}
