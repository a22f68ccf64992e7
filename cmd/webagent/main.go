package main

import (
	"fmt"
	"os"

	"github.com/kota-kawa/web-agent02-sub000/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
