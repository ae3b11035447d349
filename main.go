package main

import "github.com/DevianKeno/be-ts-template/cmd"

func main() {
	cmd.Execute()
}
