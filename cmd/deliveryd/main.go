package main

import "github.com/kursadbilgin/delivery-guard/internal/cli"

func main() {
	cli.Execute()
}
