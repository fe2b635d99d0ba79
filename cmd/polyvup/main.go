package main

import "github.com/recative/polyv/internal/cli"

func main() {
	cli.Execute()
}
