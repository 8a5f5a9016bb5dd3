package main

import "github.com/TFMV/furyshare/cmd"

func main() {
	cmd.Execute()
}
