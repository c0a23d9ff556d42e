package main

import (
	"fmt"
	"os"

	"github.com/smallbiznis/tpp-broker/internal/bootstrap"
)

func main() {
	if err := newRootCmd(bootstrap.OpenStores).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
