package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

// requirement is a minimal PEP 508-ish "name<specifier>" pair: enough to
// express "requests>=2.0,<3.0" or a bare "requests" the way the Python
// filters' use of packaging.requirements.Requirement does, without pulling
// in a full dependency-specifier grammar (markers, extras) that none of the
// filter plugins here actually exercise.
type requirement struct {
	Name      string // normalized project name
	Specifier string // raw PEP 440 specifier string, empty if none
}

// parseRequirementLine parses one non-comment, non-blank requirements line.
func parseRequirementLine(line string) (requirement, error) {
	line = strings.TrimSpace(line)
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return requirement{}, fmt.Errorf("empty requirement line")
	}

	cut := len(line)
	for i, r := range line {
		if strings.ContainsRune("<>=!~", r) {
			cut = i
			break
		}
	}
	name := strings.TrimSpace(line[:cut])
	spec := strings.TrimSpace(line[cut:])
	if name == "" {
		return requirement{}, fmt.Errorf("requirement line %q has no project name", line)
	}
	return requirement{
		Name:      bandersnatch.NormalizeProjectName(name),
		Specifier: spec,
	}, nil
}

// parsePackageLines parses the `packages` multi-line config value used by
// allowlist_project/blocklist_project into requirements, skipping blank
// lines and comments, matching allowlist_name.py::_parse_package_lines.
func parsePackageLines(raw string) ([]requirement, error) {
	var reqs []requirement
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") {
			continue
		}
		req, err := parseRequirementLine(trimmed)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// loadRequirementsFiles globs requirements_path/requirements (one pattern
// per line, "*" glob expansion supported) and parses every resulting file,
// mirroring allowlist_name.py::get_requirement_files.
func loadRequirementsFiles(requirementsPath, requirementsRaw string) ([]requirement, error) {
	base := requirementsPath
	if base == "" {
		base = "."
	}

	var files []string
	for _, line := range strings.Split(requirementsRaw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if idx := strings.Index(trimmed, "#"); idx >= 0 {
			trimmed = strings.TrimSpace(trimmed[:idx])
		}
		if strings.Contains(trimmed, "*") {
			matches, err := filepath.Glob(filepath.Join(base, trimmed))
			if err != nil {
				return nil, err
			}
			sort.Strings(matches)
			files = append(files, matches...)
		} else {
			files = append(files, filepath.Join(base, trimmed))
		}
	}

	var reqs []requirement
	for _, path := range files {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("filter: reading requirements file %s: %w", path, err)
		}
		scanner := bufio.NewScanner(fh)
		for scanner.Scan() {
			trimmed := strings.TrimSpace(scanner.Text())
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") {
				continue
			}
			req, perr := parseRequirementLine(trimmed)
			if perr != nil {
				continue
			}
			reqs = append(reqs, req)
		}
		err = scanner.Err()
		_ = fh.Close()
		if err != nil {
			return nil, fmt.Errorf("filter: scanning requirements file %s: %w", path, err)
		}
	}
	return reqs, nil
}
