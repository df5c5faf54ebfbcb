/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>

*/
package main

import "github.com/mwynn/groovebox/cmd"

func main() {
	cmd.Execute()
}
