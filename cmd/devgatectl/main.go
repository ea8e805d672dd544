// devgatectl is the operator CLI for a devgate gateway.
package main

import "github.com/strand-protocol/devgate/cmd/devgatectl/cmd"

func main() {
	cmd.Execute()
}
