package main

import "github.com/snakemake/snakeface/cmd"

func main() {
	cmd.Execute()
}
