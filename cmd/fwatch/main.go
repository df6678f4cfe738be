package main

import "github.com/yoanbernabeu/fwatch/cli"

func main() {
	cli.Execute()
}
