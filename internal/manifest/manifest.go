// Package manifest loads migration steps from YAML files.
//
// Each file in the manifests directory declares one step. Files are read in
// lexical order, which becomes registration order, so numbering files
// (001_deploy_token.yaml, 002_deploy_bridge.yaml) gives the resolver its
// tie-break order. The step name defaults to the file name without its
// numeric prefix and extension.
//
//	tags: [bridge]
//	dependencies: [token]
//	target: companion:layer1
//	deploy:
//	  artifact: Bridge
//	  signer: deployer
//	  args: ["account:admin", "artifact:Token", "1000000000000000000"]
//
// Integers wider than 64 bits must be quoted. YAML reads them as floats, and
// Parse rejects any unquoted number a float64 cannot hold exactly.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chainstep/internal/step"
)

// document is the on-disk shape of one step.
type document struct {
	Name         string        `yaml:"name"`
	Tags         []string      `yaml:"tags"`
	Dependencies []string      `yaml:"dependencies"`
	Target       string        `yaml:"target"`
	Deploy       *deployBlock  `yaml:"deploy"`
	Execute      *executeBlock `yaml:"execute"`
}

type deployBlock struct {
	Artifact string `yaml:"artifact"`
	Signer   string `yaml:"signer"`
	Args     []any  `yaml:"args"`
}

type executeBlock struct {
	Artifact string `yaml:"artifact"`
	Function string `yaml:"function"`
	Signer   string `yaml:"signer"`
	Args     []any  `yaml:"args"`
}

// Error describes a manifest that could not be turned into a step.
type Error struct {
	File    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// IsManifestError reports whether err is a manifest Error.
func IsManifestError(err error) bool {
	var me *Error
	return errors.As(err, &me)
}

var numberPrefix = regexp.MustCompile(`^[0-9]+[_-]`)

// Files returns the manifest files in dir, in load order. A missing
// directory yields no files.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifests dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Load parses every manifest in dir.
func Load(dir string) ([]step.Step, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	steps := make([]step.Step, 0, len(files))
	for _, f := range files {
		s, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// LoadInto parses every manifest in dir and registers the steps in reg.
func LoadInto(reg *step.Registry, dir string) error {
	steps, err := Load(dir)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile parses a single manifest.
func LoadFile(path string) (step.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return step.Step{}, &Error{File: path, Message: err.Error()}
	}
	return Parse(path, data)
}

// Parse turns manifest bytes into a step. path names the step when the
// document has no name and is recorded as the step's Source.
func Parse(path string, data []byte) (step.Step, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return step.Step{}, &Error{File: path, Message: "empty manifest"}
		}
		return step.Step{}, &Error{File: path, Message: err.Error()}
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		name = numberPrefix.ReplaceAllString(base, "")
	}

	target, err := step.ParseEnvironmentRef(doc.Target)
	if err != nil {
		return step.Step{}, &Error{File: path, Message: err.Error()}
	}

	for _, args := range [][]any{argsOf(doc.Deploy), argsOfExecute(doc.Execute)} {
		if err := checkArgs(args); err != nil {
			return step.Step{}, &Error{File: path, Message: err.Error()}
		}
	}

	var action step.Action
	switch {
	case doc.Deploy != nil && doc.Execute != nil:
		return step.Step{}, &Error{File: path, Message: "a step declares either deploy or execute, not both"}
	case doc.Deploy != nil:
		action = step.Deploy{
			Artifact: doc.Deploy.Artifact,
			Args:     doc.Deploy.Args,
			Signer:   doc.Deploy.Signer,
		}
	case doc.Execute != nil:
		action = step.Execute{
			Artifact: doc.Execute.Artifact,
			Function: doc.Execute.Function,
			Args:     doc.Execute.Args,
			Signer:   doc.Execute.Signer,
		}
	default:
		return step.Step{}, &Error{File: path, Message: "a step needs a deploy or execute block"}
	}

	s := step.Step{
		Name:         name,
		Tags:         doc.Tags,
		Dependencies: doc.Dependencies,
		Target:       target,
		Action:       action,
		Source:       path,
	}
	if err := s.Validate(); err != nil {
		return step.Step{}, &Error{File: path, Message: err.Error()}
	}
	return s, nil
}

func argsOf(d *deployBlock) []any {
	if d == nil {
		return nil
	}
	return d.Args
}

func argsOfExecute(e *executeBlock) []any {
	if e == nil {
		return nil
	}
	return e.Args
}

// checkArgs rejects unquoted numbers that lost precision on the way in.
func checkArgs(args []any) error {
	for i, a := range args {
		switch v := a.(type) {
		case float64:
			if math.Abs(v) >= 1<<53 {
				return fmt.Errorf("argument %d: %v is too large for an unquoted number; quote it", i+1, v)
			}
		case []any:
			if err := checkArgs(v); err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
		}
	}
	return nil
}
