package main

import "photoprep/cmd"

func main() {
	cmd.Execute()
}
