//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binDir  = "bin"
	binName = "latticeci"
)

// Default target - build the binary
var Default = Build

// Build compiles latticeci into bin/.
func Build() error {
	mg.Deps(Tidy)
	fmt.Println("Building", binName)
	return sh.RunV("go", "build", "-o", filepath.Join(binDir, binName), "./cmd/latticeci")
}

// Tidy syncs go.mod and go.sum with the imports.
func Tidy() error {
	return sh.Run("go", "mod", "tidy")
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "-count=1", "./...")
}

// Vet runs go vet over every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// QA runs vet and the tests.
func QA() {
	mg.SerialDeps(Vet, Test)
}

// Clean removes build artifacts.
func Clean() error {
	fmt.Println("Cleaning", binDir)
	return os.RemoveAll(binDir)
}
