//go:build !rp2040

package main

import "os"

func main() {
	println("this binary targets the rp2040 board; build with tinygo -target pico")
	println("for a host run against the thermal model, use cmd/simulator")
	os.Exit(2)
}
