package main

import "github.com/nextlevelbuilder/tau/cmd"

func main() {
	cmd.Execute()
}
