package main

import "github.com/oshokin/deploy-agent/cmd/deploy-agent/cmd"

func main() {
	cmd.Execute()
}
