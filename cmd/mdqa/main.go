package main

import (
	"os"

	"github.com/dreamerlzl/markdown-qa/cmd/mdqa/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
