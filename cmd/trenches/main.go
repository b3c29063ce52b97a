package main

import "github.com/vietddude/trenches/internal/cli"

func main() {
	cli.Execute()
}
