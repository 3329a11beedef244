// Command movliqbot runs the agent pool bot.
package main

import (
	"os"

	"github.com/umuteyi/movliqbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
