package main

import "price-pusher/internal/cli"

func main() {
	cli.Execute()
}
