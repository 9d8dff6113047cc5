// Package main is the entry point for Gatekeeper.
package main

func main() {
	Execute()
}
