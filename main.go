package main

import (
	"github.com/solipsis/go-ledger/cmd"
)

func main() {
	cmd.Execute()
}
