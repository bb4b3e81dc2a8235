package main

import "github.com/nextlevelbuilder/messagesforcar/cmd"

func main() {
	cmd.Execute()
}
