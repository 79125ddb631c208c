package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var discoverJSON bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Fetch and print the provider's discovery document",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print JSON instead of YAML")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	cfg, err := a.configuration(cmd.Context())
	if err != nil {
		return err
	}

	var doc interface{} = cfg
	if cfg.Discovery != nil {
		doc = cfg.Discovery
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if discoverJSON {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	// Round-trip through a map so fields the document type does not model
	// are printed too.
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(fields); err != nil {
		return err
	}
	return enc.Close()
}
