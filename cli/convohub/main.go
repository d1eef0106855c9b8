package main

import (
	"os"

	convohubcmder "github.com/convohubhq/convohub/cmd/convohub"
)

func main() {
	cmd := convohubcmder.NewConvohubCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
