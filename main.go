package main

import "github.com/jgiriboy/NeuPIMs/cmd"

func main() {
	cmd.Execute()
}
