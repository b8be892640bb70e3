package main

import "github.com/ngld/cellar/cmd"

func main() {
	cmd.Execute()
}
