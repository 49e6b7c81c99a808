// Package artifact loads compiled contract artifacts from a build directory.
// Truffle/Hardhat files carry the bytecode as a hex string, Foundry files as
// {"object": "0x..."}.
package artifact

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/xeipuuv/gojsonschema"

	contracts "github.com/fds-service/contracts"
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("artifact: invalid embedded schema: %v", err))
	}
	return s
}

type file struct {
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	SourcePath   string          `json:"sourcePath"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// LoadDir walks dir and returns every deployable artifact, sorted by name.
// Interfaces and abstract contracts (empty bytecode) are skipped, as are
// Foundry build-info and Hardhat debug files.
func LoadDir(dir string) ([]contracts.Artifact, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: artifacts directory: %v", contracts.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: artifacts path %s is not a directory", contracts.ErrConfiguration, dir)
	}

	var out []contracts.Artifact
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".json" || strings.HasSuffix(path, ".dbg.json") {
			return nil
		}

		a, ok, err := Load(path)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Load reads a single artifact file. ok is false when the contract has no
// creation bytecode.
func Load(path string) (a contracts.Artifact, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return a, false, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes artifact JSON. name is used for error messages and, without a
// contractName field, as the artifact name.
func Parse(name string, data []byte) (contracts.Artifact, bool, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s: %v", contracts.ErrConfiguration, name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s: %s",
			contracts.ErrConfiguration, name, strings.Join(msgs, "; "))
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s: %v", contracts.ErrConfiguration, name, err)
	}

	code, err := bytecodeHex(f.Bytecode)
	if err != nil {
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s: %v", contracts.ErrConfiguration, name, err)
	}
	if code == "" || code == "0x" {
		return contracts.Artifact{}, false, nil
	}
	if strings.Contains(code, "__") {
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s has unlinked library references",
			contracts.ErrConfiguration, name)
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode, err := hexutil.Decode(code)
	if err != nil {
		return contracts.Artifact{}, false, fmt.Errorf("%w: artifact %s bytecode: %v", contracts.ErrConfiguration, name, err)
	}

	a := contracts.Artifact{
		Name:     f.ContractName,
		ABI:      f.ABI,
		Bytecode: bytecode,
		Source:   f.SourceName,
	}
	if a.Name == "" {
		a.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if a.Source == "" {
		a.Source = f.SourcePath
	}
	return a, true, nil
}

func bytecodeHex(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.Object, nil
}
