package main

import (
	"fmt"
	"os"

	"github.com/kingrea/procman/internal/process"
)

func handleValidateCommand() bool {
	if len(os.Args) < 2 || os.Args[1] != "validate" {
		return false
	}
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: procman validate /path/to/process.yaml [...]")
		os.Exit(2)
	}
	failed := false
	for _, path := range os.Args[2:] {
		def, err := process.LoadDefinitionFile(path)
		if err != nil {
			fmt.Printf("Invalid: %v\n", err)
			failed = true
			continue
		}
		fmt.Printf("OK: %s (%s v%s, %d activities)\n", path, def.Name, def.Version, len(def.Activities))
	}
	if failed {
		os.Exit(1)
	}
	return true
}
