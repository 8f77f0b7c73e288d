// Package main is the rcsb-pdb-crawler executable.
package main

import "github.com/JakeFAU/rcsb-pdb-crawler/cmd"

func main() {
	cmd.Execute()
}
