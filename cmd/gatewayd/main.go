// Command gatewayd runs the load-balancing proxy for GPU-resident LLM
// backends.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/agentmesh/llm-gateway/cmd/gatewayd/app"
)

func main() {
	root := app.NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
