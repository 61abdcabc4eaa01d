// Command planner is the reference map planner. The master runs it once per
// job, writing the server list and job options to stdin and reading the map
// task list from stdout. Input files are matched with doublestar globs from
// options.input.
package main

import (
	"fmt"
	"os"
)

func main() {
	req, err := readRequest(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planner: %v\n", err)
		os.Exit(2)
	}

	p, err := plan(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planner: %v\n", err)
		os.Exit(1)
	}

	if err := writePlan(os.Stdout, p); err != nil {
		fmt.Fprintf(os.Stderr, "planner: %v\n", err)
		os.Exit(1)
	}
}
