// The main package for the stf-fetch executable.
package main

import (
	"github.com/JakeFAU/stf-case-fetcher/cmd"
)

func main() {
	cmd.Main()
}
