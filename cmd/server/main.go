// cozegate - stateful session gateway for the Coze chat API
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
