package main

import "github.com/jmcleod/polagent/cmd/polagent/cmd"

func main() {
	cmd.Execute()
}
