package main

import "github.com/oshokin/deploy-agent/cmd/deploy-watch/cmd"

func main() {
	cmd.Execute()
}
