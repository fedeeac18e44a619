package manifest

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

//go:embed schema.cue
var schemaSrc string

var (
	cueCtx     = cuecontext.New()
	loadSchema = sync.OnceValues(func() (cue.Value, error) {
		v := cueCtx.CompileString(schemaSrc, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			return cue.Value{}, err
		}
		return v.LookupPath(cue.ParsePath("#Manifest")), nil
	})
)

// Validate checks a tickvm.toml document against the manifest schema.
// Unknown sections and keys are rejected, as are out-of-range numbers.
func Validate(path string, data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	value := cueCtx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid %s: %w", path, err)
	}
	return nil
}
