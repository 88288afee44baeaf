package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

func main() {
	// Get the current directory (should be project root)
	currentDir, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error getting current directory: %v\n", err)
		os.Exit(1)
	}

	// Create config file with admin user data in the correct location
	configDir := filepath.Join(currentDir, "cmd/server/testdata")
	configFile := filepath.Join(configDir, "config.json")

	// Ensure testdata directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		fmt.Printf("Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	// Create config file with admin user data
	configData := `{
  "admin": {
    "username": "admin",
    "password": "$2a$10$Ag11HDzTDQmQp7QOP6cPk.EZtogMEI868tSz90Y.WHqgyTmYHDDbu",
    "role": "admin",
    "permissions": {}
  }
}`

	if err := os.WriteFile(configFile, []byte(configData), 0644); err != nil {
		fmt.Printf("Error creating config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("🔧 Created config file with admin user data")

	// Create a temporary directory for the test binary
	tempDir, err := os.MkdirTemp("", "dev_server_debug")
	if err != nil {
		fmt.Printf("Error creating temp directory: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tempDir)

	testBinary := filepath.Join(tempDir, "dev_server_test")

	fmt.Println("🔧 Building test binary...")

	buildCmd := exec.Command("go", "test", "-c", "./cmd/server", "-run", "TestSingleSpace", "-o", testBinary)
	buildCmd.Dir = currentDir
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	buildCmd.Env = os.Environ()

	if err := buildCmd.Run(); err != nil {
		fmt.Printf("Error building test binary: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("🚀 Running dev server test...")

	runCmd := exec.Command(testBinary, "-test.v")
	runCmd.Dir = currentDir
	runCmd.Stdout = os.Stdout
	runCmd.Stderr = os.Stderr
	runCmd.Env = os.Environ()

	if err := runCmd.Run(); err != nil {
		fmt.Printf("Error running test: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Dev server test completed!")
}
