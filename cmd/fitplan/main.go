package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/cli"
)

func main() {
	defer klog.Flush()

	if err := cli.NewRootCommand(os.Stdout).Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
