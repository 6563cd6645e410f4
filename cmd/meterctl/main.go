package main

import "github.com/smallbiznis/meterly/cmd/meterctl/cmd"

func main() {
	cmd.Execute()
}
