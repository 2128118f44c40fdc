// hassgate is an MCP gateway for Home Assistant.
package main

import "github.com/ppiankov/hassgate/internal/cli"

func main() {
	cli.Execute()
}
