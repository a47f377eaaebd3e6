package main

import "connpool/cmd"

func main() {
	cmd.Execute()
}
