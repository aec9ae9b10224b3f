package main

import "github.com/nextlevelbuilder/trellis/cmd"

func main() {
	cmd.Execute()
}
