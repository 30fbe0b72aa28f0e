// Command kvls is the CLI front end for the kvls log-structured key-value
// store. It is a thin collaborator: every piece of engine logic lives in
// internal/kvstore, and this package only parses arguments, opens a Store,
// invokes one operation, and maps the result to stdout text and an exit
// code.
package main

import "os"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fatalf("kvls: %v", err)
	}
	os.Exit(0)
}
