// Command localllm runs on-device LLM generation as an HTTP daemon or as a
// one-shot CLI.
//
// @title           localllm API
// @version         1.0
// @description     On-device LLM generation with streaming and cooperative cancellation.
// @BasePath        /
// @schemes         http
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "localllm:", err)
		os.Exit(1)
	}
}
