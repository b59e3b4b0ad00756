package main

import "github.com/oshokin/deploy-agent/cmd/deploy-packager/cmd"

func main() {
	cmd.Execute()
}
