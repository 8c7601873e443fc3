package main

import "go.pilab.hu/sessionkit/cmd/sessionctl/cmd"

func main() {
	cmd.Execute()
}
