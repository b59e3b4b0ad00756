package main

import "github.com/oshokin/deploy-agent/cmd/deploy-updater/cmd"

func main() {
	cmd.Execute()
}
