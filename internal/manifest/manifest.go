// Package manifest decodes migration steps from a TOML or YAML file.
//
//	[[steps]]
//	index = 2
//	id = "deploy_resonance"
//
//	  [[steps.deploy]]
//	  artifact = "FDSResonance"
//	  args = [
//	    { address_of = "FDSToken" },
//	    { param = "resonance_owner", default = "0xc88DC709Dec2fb564f7365915f11A819310c6391" },
//	    { value = 1 },
//	  ]
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/step"
)

// Manifest is the decoded file.
type Manifest struct {
	Steps []StepSpec `toml:"steps" yaml:"steps"`
}

// StepSpec declares one step. Reads and Produces are inferred from the
// deployments when omitted.
type StepSpec struct {
	Index    int              `toml:"index" yaml:"index"`
	ID       string           `toml:"id" yaml:"id"`
	Reads    []string         `toml:"reads" yaml:"reads"`
	Produces []string         `toml:"produces" yaml:"produces"`
	Deploy   []DeploymentSpec `toml:"deploy" yaml:"deploy"`
}

// DeploymentSpec declares one artifact deployment.
type DeploymentSpec struct {
	Artifact string    `toml:"artifact" yaml:"artifact"`
	Redeploy bool      `toml:"redeploy" yaml:"redeploy"`
	Args     []ArgSpec `toml:"args" yaml:"args"`
}

// ArgSpec sets exactly one of Value, AddressOf or Param. Default applies to
// Param only.
type ArgSpec struct {
	Value     any    `toml:"value" yaml:"value"`
	AddressOf string `toml:"address_of" yaml:"address_of"`
	Param     string `toml:"param" yaml:"param"`
	Default   any    `toml:"default" yaml:"default"`
}

// Load reads path and builds its steps. The format follows the extension.
func Load(path string) ([]step.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", contracts.ErrConfiguration, err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		m, err = DecodeTOML(data)
	case ".yaml", ".yml":
		m, err = DecodeYAML(data)
	default:
		return nil, fmt.Errorf("%w: manifest %s: unsupported format (want .toml, .yaml or .yml)",
			contracts.ErrConfiguration, path)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m.Build()
}

// DecodeTOML decodes a TOML manifest, rejecting unknown keys.
func DecodeTOML(data []byte) (*Manifest, error) {
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrConfiguration, err)
	}
	return &m, nil
}

// DecodeYAML decodes a YAML manifest, rejecting unknown keys.
func DecodeYAML(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", contracts.ErrConfiguration, err)
	}
	return &m, nil
}

// Build converts the manifest into validated steps, sorted by index.
func (m *Manifest) Build() ([]step.Step, error) {
	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("%w: manifest declares no steps", contracts.ErrInvalidStep)
	}

	steps := make([]step.Step, 0, len(m.Steps))
	for _, spec := range m.Steps {
		s, err := spec.build()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	if err := step.Validate(steps); err != nil {
		return nil, err
	}
	return step.Sort(steps), nil
}

func (s StepSpec) build() (step.Step, error) {
	if s.ID == "" {
		return step.Step{}, fmt.Errorf("%w: step at index %d has no id", contracts.ErrInvalidStep, s.Index)
	}
	if len(s.Deploy) == 0 {
		return step.Step{}, fmt.Errorf("%w: step %s deploys nothing", contracts.ErrInvalidStep, s.ID)
	}

	deployments := make([]step.Deployment, 0, len(s.Deploy))
	for i, d := range s.Deploy {
		if d.Artifact == "" {
			return step.Step{}, fmt.Errorf("%w: step %s deployment %d has no artifact", contracts.ErrInvalidStep, s.ID, i)
		}
		args := make([]step.Arg, 0, len(d.Args))
		for j, a := range d.Args {
			arg, err := a.build()
			if err != nil {
				return step.Step{}, fmt.Errorf("%w: step %s %s argument %d: %v", contracts.ErrInvalidStep, s.ID, d.Artifact, j, err)
			}
			args = append(args, arg)
		}
		dep := step.Deploy(d.Artifact, args...)
		dep.Redeploy = d.Redeploy
		deployments = append(deployments, dep)
	}

	st := step.Declare(s.Index, s.ID, deployments...)
	if s.Reads != nil {
		if missing := missingFrom(s.Reads, st.Reads); missing != "" {
			return step.Step{}, fmt.Errorf("%w: step %s references %s but does not list it in reads",
				contracts.ErrInvalidStep, s.ID, missing)
		}
		st.Reads = s.Reads
	}
	if s.Produces != nil {
		if missing := missingFrom(s.Produces, st.Produces); missing != "" {
			return step.Step{}, fmt.Errorf("%w: step %s deploys %s but does not list it in produces",
				contracts.ErrInvalidStep, s.ID, missing)
		}
		st.Produces = s.Produces
	}
	return st, nil
}

func (a ArgSpec) build() (step.Arg, error) {
	set := 0
	if a.Value != nil {
		set++
	}
	if a.AddressOf != "" {
		set++
	}
	if a.Param != "" {
		set++
	}
	if set != 1 {
		return nil, errors.New("set exactly one of value, address_of or param")
	}
	if a.Default != nil && a.Param == "" {
		return nil, errors.New("default applies to param only")
	}

	switch {
	case a.AddressOf != "":
		return step.AddressOf(a.AddressOf), nil
	case a.Param != "" && a.Default != nil:
		return step.NetworkParamOr(a.Param, fmt.Sprint(a.Default)), nil
	case a.Param != "":
		return step.NetworkParam(a.Param), nil
	default:
		return step.Literal(a.Value), nil
	}
}

// missingFrom returns the first element of want absent from have.
func missingFrom(have, want []string) string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return w
		}
	}
	return ""
}
