package heatcount

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadLabels reads the class names of a dataset from the given text file.
// It should contain one label per line, the first line being class id 1.
// Blank lines are skipped.
func LoadLabels(file string) ([]string, error) {

	// open the file
	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	// create a scanner to read the file.
	scanner := bufio.NewScanner(f)

	var labels []string

	// read and trim each line
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		labels = append(labels, line)
	}

	// check for errors during scanning
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return labels, nil
}

// ClassName returns the label of a class id, "background" for 0 and the id
// itself when no label is known
func ClassName(labels []string, class int) string {

	if class == 0 {
		return "background"
	}

	if class > 0 && class <= len(labels) {
		return labels[class-1]
	}

	return fmt.Sprintf("class%d", class)
}
