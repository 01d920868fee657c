package main

import "github.com/tenexlabs/tenex/cmd"

func main() {
	cmd.Execute()
}
