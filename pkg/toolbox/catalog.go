package toolbox

import (
	"github.com/invopop/jsonschema"

	"github.com/kestrelsec/kestrel/pkg/findings"
)

// CatalogEntry is the read-only description of one tool as exposed over
// the API: enough for both an LLM function schema and a UI form.
type CatalogEntry struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ArgumentSchema map[string]any `json:"argument_schema"`
	ChainInputs    []string       `json:"chain_inputs,omitempty"`
	ChainOutputs   []string       `json:"chain_outputs,omitempty"`
}

// Catalog lists every enabled tool in pipeline order.
func (tb *Toolbox) Catalog() []CatalogEntry {
	active := tb.Active()
	out := make([]CatalogEntry, 0, len(active))
	for _, d := range active {
		schema := d.Schema()
		out = append(out, CatalogEntry{
			Name:           schema.Name,
			Description:    schema.Description,
			ArgumentSchema: schema.Parameters,
			ChainInputs:    d.ChainInputs,
			ChainOutputs:   d.ChainOutputs,
		})
	}
	return out
}

// FindingSchema reflects the normalized finding record as a JSON schema,
// so API consumers can render findings without hardcoding the shape.
func FindingSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return reflector.Reflect(&findings.Finding{})
}
