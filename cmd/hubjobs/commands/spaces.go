package commands

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hubjobs/pulse/catalog"
	"github.com/teranos/hubjobs/sym"
)

// SpacesCmd manages the space catalog the compilers consult
var SpacesCmd = &cobra.Command{
	Use:   "spaces",
	Short: sym.DB + " Manage the space catalog",
	Long: sym.DB + ` spaces — Manage the space catalog

Compilers look up a space's database, head version, base layer and size
estimates here.

Examples:
  hubjobs spaces put --file roads.yaml    # Register or replace a space
  hubjobs spaces tag roads nightly 42     # Point a tag at a version
  hubjobs spaces ls                       # List spaces`,
}

var spacesPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Register or replace a space from a YAML or JSON file",
	RunE:  runSpacesPut,
}

var spacesTagCmd = &cobra.Command{
	Use:   "tag <space> <tag> <version>",
	Short: "Point a tag of a space at a version",
	Args:  cobra.ExactArgs(3),
	RunE:  runSpacesTag,
}

var spacesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List spaces",
	RunE:  runSpacesLs,
}

var spaceFile string

func init() {
	spacesPutCmd.Flags().StringVarP(&spaceFile, "file", "f", "", "Space description file")
	spacesPutCmd.MarkFlagRequired("file")

	SpacesCmd.AddCommand(spacesPutCmd)
	SpacesCmd.AddCommand(spacesTagCmd)
	SpacesCmd.AddCommand(spacesLsCmd)
}

// decodeSpace parses a space description; YAML is a superset of JSON
func decodeSpace(data []byte) (catalog.SpaceInfo, error) {
	var info catalog.SpaceInfo
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&info); err != nil {
		return catalog.SpaceInfo{}, fmt.Errorf("failed to parse space: %w", err)
	}
	return info, nil
}

func runSpacesPut(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(spaceFile)
	if err != nil {
		return fmt.Errorf("failed to read space file: %w", err)
	}
	info, err := decodeSpace(data)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.spaces.Put(cmd.Context(), info); err != nil {
		return err
	}
	pterm.Success.Printf("Space %s registered (head version %d)\n", info.ID, info.HeadVersion)
	return nil
}

func runSpacesTag(cmd *cobra.Command, args []string) error {
	version, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[2], err)
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	// Tagging an unknown space would leave a dangling tag
	if _, err := e.spaces.Get(cmd.Context(), args[0]); err != nil {
		return err
	}
	if err := e.spaces.Tag(cmd.Context(), args[0], args[1], version); err != nil {
		return err
	}
	pterm.Success.Printf("%s:%s -> %d\n", args[0], args[1], version)
	return nil
}

func runSpacesLs(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.close()

	spaces, err := e.spaces.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(spaces) == 0 {
		pterm.Info.Println("No spaces")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(spaceTable(spaces)).Render()
}

func spaceTable(spaces []catalog.SpaceInfo) pterm.TableData {
	data := pterm.TableData{{"Space", "Database", "Head", "Extends", "Features", "Bytes"}}
	for _, s := range spaces {
		data = append(data, []string{
			s.ID,
			s.Database,
			fmt.Sprint(s.HeadVersion),
			s.Extends,
			fmt.Sprint(s.FeatureCountEstimate),
			fmt.Sprint(s.ByteSizeEstimate),
		})
	}
	return data
}
