// Command archcheck fails when a package crosses a layer boundary.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "kiroku/"

// layerRule forbids importers under from reaching packages under to.
type layerRule struct {
	from string
	to   string
}

var layerRules = []layerRule{
	{from: "pkg/kiroku", to: "internal/"},
	{from: "pkg/kiroku", to: "modules/"},
	{from: "internal/kernel", to: "internal/driver"},
	{from: "internal/namecache", to: "internal/driver"},
	{from: "internal/driver", to: "modules/"},
	{from: "modules/", to: "internal/"},
}

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: %d violation(s):\n", len(violations))
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	return decodePackages(&stdout)
}

func decodePackages(reader io.Reader) ([]listedPackage, error) {
	decoder := json.NewDecoder(reader)
	result := make([]listedPackage, 0, 32)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		importer := trimTestSuffix(pkg.ImportPath)
		for _, imported := range imports {
			rule, violated := violatedRule(importer, imported)
			if !violated {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s must not import %s)", importer, imported, rule.from, rule.to)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func violatedRule(importer, imported string) (layerRule, bool) {
	for _, rule := range layerRules {
		if strings.HasPrefix(importer, modulePrefix+rule.from) &&
			strings.HasPrefix(imported, modulePrefix+rule.to) {
			return rule, true
		}
	}

	return layerRule{}, false
}

// trimTestSuffix maps "p [p.test]" and "p_test [p.test]" entries back to p.
func trimTestSuffix(importPath string) string {
	if index := strings.Index(importPath, " ["); index >= 0 {
		importPath = importPath[:index]
	}

	return strings.TrimSuffix(importPath, "_test")
}
