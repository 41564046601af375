package main

import (
	"github.com/fiasco-engine/ipc/cmd"
)

func main() {
	cmd.Execute()
}
