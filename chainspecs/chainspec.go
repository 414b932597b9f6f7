// Package chainspecs describes which on-chain trees a mirror follows: the
// tree program and the set of tree accounts with their depths. Named specs
// are embedded; anything else is read as a file path.
package chainspecs

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/compresslabs/treemirror/common"

	"embed"
)

//go:embed *.json
var configFS embed.FS

var networkFile = map[string]string{
	"devnet": "devnet-spec.json",
}

// TreeSpec is one tree account to mirror. A zero Depth means the depth is
// read from the on-chain tree header at startup.
type TreeSpec struct {
	ID    common.Hash `json:"id"`
	Depth uint8       `json:"depth,omitempty"`
}

type ChainSpec struct {
	ID        string      `json:"id"`
	ProgramID common.Hash `json:"program_id"`
	Trees     []TreeSpec  `json:"trees"`
}

func ReadSpec(id string) (spec *ChainSpec, err error) {
	var data []byte
	path, ok := networkFile[id]
	if ok {
		data, err = configFS.ReadFile(path)
		if err != nil {
			return spec, err
		}
	} else {
		data, err = os.ReadFile(id)
		if err != nil {
			return spec, err
		}
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, err
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("chain spec %s: %w", id, err)
	}
	return spec, nil
}

func (cs *ChainSpec) validate() error {
	if common.IsNilHash(cs.ProgramID) {
		return fmt.Errorf("missing program_id")
	}
	if len(cs.Trees) == 0 {
		return fmt.Errorf("no trees configured")
	}
	seen := make(map[common.Hash]bool)
	for _, tree := range cs.Trees {
		if common.IsNilHash(tree.ID) {
			return fmt.Errorf("tree with empty id")
		}
		if seen[tree.ID] {
			return fmt.Errorf("duplicate tree %s", common.Str(tree.ID))
		}
		seen[tree.ID] = true
		if tree.Depth > 30 {
			return fmt.Errorf("tree %s: implausible depth %d", common.Str(tree.ID), tree.Depth)
		}
	}
	return nil
}
