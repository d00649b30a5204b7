package main

import "github.com/surge-downloader/surgeq/cmd"

func main() {
	cmd.Execute()
}
