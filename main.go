package main

import (
	"dustdevil/cmd"

	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
