package main

import "github.com/netsentry/netsentry/cmd"

func main() {
	cmd.Execute()
}
