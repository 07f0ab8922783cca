package main

import "github.com/askdb/askdb/cmd/askctl/cmd"

func main() {
	cmd.Execute()
}
