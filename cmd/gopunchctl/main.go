// Gopunchctl -- CLI client for the gopunch rendezvous daemon.
package main

import "github.com/dantte-lp/gopunch/cmd/gopunchctl/commands"

func main() {
	commands.Execute()
}
