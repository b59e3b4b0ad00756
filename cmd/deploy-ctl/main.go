package main

import "github.com/oshokin/deploy-agent/cmd/deploy-ctl/cmd"

func main() {
	cmd.Execute()
}
