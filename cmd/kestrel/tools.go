package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

type toolsCmd struct {
	JSON bool `help:"Emit the catalog as JSON." name:"json"`
}

func (t *toolsCmd) Run(c *cli) error {
	tb, err := toolbox.NewDefault()
	if err != nil {
		return err
	}
	if c.Config != "" {
		app, err := buildApp(c)
		if err != nil {
			return err
		}
		tb = app.toolbox
	}

	catalog := tb.Catalog()
	if t.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tools":          catalog,
			"finding_schema": toolbox.FindingSchema(),
		})
	}

	for _, entry := range catalog {
		fmt.Printf("%s\n    %s\n", entry.Name, entry.Description)
		if len(entry.ChainInputs) > 0 {
			fmt.Printf("    consumes: %s\n", strings.Join(entry.ChainInputs, ", "))
		}
		if len(entry.ChainOutputs) > 0 {
			fmt.Printf("    produces: %s\n", strings.Join(entry.ChainOutputs, ", "))
		}
	}
	return nil
}
