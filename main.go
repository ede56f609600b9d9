package main

import "github.com/AfkaraLP/breadbot/cmd"

func main() {
	cmd.Execute()
}
