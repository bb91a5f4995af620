package main

import (
	"os"

	"github.com/melih-ucgun/xcurl/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args, os.Stdin, os.Stdout, os.Stderr))
}
