// Package registry loads the RFI field schema into an immutable
// model.FieldRegistry. The schema ships embedded in the binary and can
// be overridden with an external YAML file for template revisions.
package registry

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

//go:embed fields.yaml
var embeddedSchema []byte

type schemaFile struct {
	Fields []model.FieldDef `yaml:"fields"`
}

// Load returns the field registry from the embedded schema, or from
// schemaPath when non-empty.
func Load(schemaPath string) (*model.FieldRegistry, error) {
	raw := embeddedSchema
	origin := "embedded"
	if schemaPath != "" {
		b, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: read schema %s", schemaPath)
		}
		raw = b
		origin = schemaPath
	}

	reg, err := parse(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: parse schema (%s)", origin)
	}

	zap.L().Debug("field schema loaded",
		zap.String("origin", origin),
		zap.Int("fields", len(reg.Fields)),
		zap.Int("categories", len(reg.Categories())),
	)
	return reg, nil
}

func parse(raw []byte) (*model.FieldRegistry, error) {
	var sf schemaFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, eris.Wrap(err, "unmarshal yaml")
	}
	if len(sf.Fields) == 0 {
		return nil, eris.New("schema contains no fields")
	}

	seen := make(map[string]bool, len(sf.Fields))
	for _, f := range sf.Fields {
		if f.Key == "" {
			return nil, eris.New("schema field with empty key")
		}
		if seen[f.Key] {
			return nil, eris.Errorf("duplicate field key %q", f.Key)
		}
		seen[f.Key] = true
		if f.Question == "" || f.Category == "" {
			return nil, eris.Errorf("field %q missing question or category", f.Key)
		}
	}

	return model.NewFieldRegistry(sf.Fields), nil
}
