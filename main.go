package main

import "github.com/jake-scott/ryobi-gdo/cmd"

func main() {
	cmd.Execute()
}
