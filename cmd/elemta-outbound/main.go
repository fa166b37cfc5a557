package main

import "github.com/busybox42/elemta-outbound/cmd/elemta-outbound/commands"

func main() {
	commands.Execute()
}
