// grantserver is the main grantline application. The different parts of the
// pipeline run as sub-commands, e.g. "grantserver worker --config=...".
package main

import (
	"github.com/grantline/grantline/go/grantserver/cmd"
)

func main() {
	cmd.Execute()
}
