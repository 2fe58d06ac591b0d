// Command kbase is the entry point for the knowledge-base engine. It manages
// multi-tenant document corpora: create knowledge bases, upload and process
// files, and query them with vector, fulltext, or hybrid retrieval.
package main

import (
	"fmt"
	"os"

	"github.com/kbase-ai/kbase-go/cmd/kbase/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
