package main

import "github.com/arbnet/arbnet-go/cmd"

func main() {
	cmd.Execute()
}
