package main

import "github.com/fabulist/fabulist/cmd"

func main() {
	cmd.Execute()
}
