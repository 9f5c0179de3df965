package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/oarkflow/rls"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rls-config - Configuration tool for rls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rls-config validate <file>            - Compile-check a configuration")
	fmt.Println("  rls-config convert <input> <output>   - Convert between YAML and JSON")
	fmt.Println("  rls-config stats <file>               - Show configuration statistics")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rls-config validate <file>")
		os.Exit(1)
	}
	cfg, err := rls.LoadConfigFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK: %d table(s)\n", len(cfg.Tables))
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rls-config convert <input> <output>")
		os.Exit(1)
	}
	cfg, err := rls.LoadConfigFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	output := os.Args[3]
	var data []byte
	if strings.HasSuffix(output, ".json") {
		data, err = cfg.ToJSON()
	} else {
		data, err = cfg.ToYAML()
	}
	if err != nil {
		fmt.Printf("Error encoding config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		fmt.Printf("Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", output)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rls-config stats <file>")
		os.Exit(1)
	}
	cfg, err := rls.LoadConfigFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	var fields, rels, policies, audited int
	for _, t := range cfg.Tables {
		fields += len(t.Fields)
		rels += len(t.Relationships)
		policies += len(t.Policies)
		if t.Audit != nil {
			audited++
		}
	}
	fmt.Printf("Tables:        %d\n", len(cfg.Tables))
	fmt.Printf("Field rules:   %d\n", fields)
	fmt.Printf("Relationships: %d\n", rels)
	fmt.Printf("Policies:      %d\n", policies)
	fmt.Printf("Audited:       %d\n", audited)
}
