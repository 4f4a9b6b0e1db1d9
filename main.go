/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "muse/cmd"

func main() {
	cmd.Execute()
}
