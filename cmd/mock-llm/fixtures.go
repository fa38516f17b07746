package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// defaultFixture answers stages without a fixture of their own.
const defaultFixture = "default"

// numberedFileRe matches files like "mesh.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files under dir into stage → reply sequence.
// Numbered files come first in numeric order, then the base file. An empty
// dir means no fixtures.
func loadFixtures(dir string) (map[string][]string, error) {
	fixtures := make(map[string][]string)
	if dir == "" {
		return fixtures, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for stage, byIdx := range numbered {
		idxs := make([]int, 0, len(byIdx))
		for i := range byIdx {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			fixtures[stage] = append(fixtures[stage], byIdx[i])
		}
	}
	for stage, content := range base {
		fixtures[stage] = append(fixtures[stage], content)
	}
	return fixtures, nil
}
