package main

import (
	"github.com/marcostork/keylime/pkg/cmd"
)

func main() {
	cmd.Execute()
}
