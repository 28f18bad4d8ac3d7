package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cronservice: %s\n", err.Error())
		os.Exit(1)
	}
}
