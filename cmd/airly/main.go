// Command airly queries the Airly API once and prints the decoded JSON.
package main

import (
	"fmt"
	"os"

	"github.com/kjstillabower/airly-service/cmd/airly/commands"
)

type app interface {
	Run() error
	UsageError() bool
}

func main() {
	a, err := commands.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "airly: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(a))
}

func run(a app) int {
	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "airly: %v\n", err)
		if a.UsageError() {
			return 2
		}
		return 1
	}
	return 0
}
