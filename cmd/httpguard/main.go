package main

import "github.com/vietddude/httpguard/internal/cli"

func main() {
	cli.Execute()
}
