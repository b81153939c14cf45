package main

import "go.perfstore.dev/core/cmd/perfctl/perfctlcmd"

func main() { perfctlcmd.Execute() }
