// Command imustream streams and decodes inertial sensor FIFOs.
package main

import "github.com/ardnew/softimu/internal/cmd"

func main() {
	cmd.Execute()
}
