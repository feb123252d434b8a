// Package bids is the structural dataset validator boundary. The design
// treats BIDS validation as an external pass/fail collaborator; this
// implementation checks the structural minimum and reports what it saw.
package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DescriptionFilename is the required dataset manifest at the dataset root.
const DescriptionFilename = "dataset_description.json"

// Result is what the validator reports about a dataset root.
type Result struct {
	Validated    bool
	Version      string
	Deidentified bool
	Modalities   []string
	Tasks        []string
	Warnings     []string
	Errors       []string
}

type description struct {
	Name        string `json:"Name"`
	BIDSVersion string `json:"BIDSVersion"`
}

// Validator checks dataset roots.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

var taskPattern = regexp.MustCompile(`task-([a-zA-Z0-9]+)`)

// Validate inspects the tree rooted at rootDir. It never mutates the tree.
// A dataset passes when it carries a readable dataset_description.json and
// at least one subject directory.
func (v *Validator) Validate(rootDir string) (Result, error) {
	result := Result{}

	desc, err := readDescription(filepath.Join(rootDir, DescriptionFilename))
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Version = desc.BIDSVersion
		if desc.Name == "" {
			result.Warnings = append(result.Warnings, "dataset_description.json has no Name")
		}
	}

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read dataset root: %w", err)
	}

	subjects := 0
	modalities := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") {
			continue
		}
		subjects++
		subDirs, err := os.ReadDir(filepath.Join(rootDir, entry.Name()))
		if err != nil {
			continue
		}
		for _, sub := range subDirs {
			if sub.IsDir() {
				modalities[sub.Name()] = true
			}
		}
	}
	if subjects == 0 {
		result.Errors = append(result.Errors, "no subject directories (sub-*) found")
	}

	tasks := map[string]bool{}
	_ = filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if m := taskPattern.FindStringSubmatch(d.Name()); m != nil {
			tasks[m[1]] = true
		}
		return nil
	})

	if _, err := os.Stat(filepath.Join(rootDir, "README")); err != nil {
		result.Warnings = append(result.Warnings, "no README found")
	}

	result.Modalities = sortedKeys(modalities)
	result.Tasks = sortedKeys(tasks)
	result.Validated = len(result.Errors) == 0
	return result, nil
}

func readDescription(path string) (*description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing %s", DescriptionFilename)
	}
	var desc description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("unreadable %s", DescriptionFilename)
	}
	return &desc, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
