// Package main is the entry point for the chaincache application
package main

import (
	"github.com/ethpandaops/chaincache/cmd"
)

func main() {
	cmd.Execute()
}
