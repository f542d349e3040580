package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/providers"
)

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

var providerSummaries = map[string]string{
	providers.ProviderOpenAI:     "OpenAI chat completions.",
	providers.ProviderOpenRouter: "OpenRouter chat completions. Only `api_key` is accepted.",
}

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Write the CLI, man page, config and provider references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// generateDocumentation renders every reference page in memory, then either
// writes them below outputDir or compares them with what is there.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	pages, err := renderReferencePages(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return checkReferencePages(outputDir, pages)
	}

	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(outputDir, dir)); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for rel, content := range pages {
		path := filepath.Join(outputDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func checkReferencePages(outputDir string, pages map[string][]byte) error {
	for rel, want := range pages {
		got, err := os.ReadFile(filepath.Join(outputDir, rel))
		if err != nil || !bytes.Equal(got, want) {
			return fmt.Errorf("docs out of date: %s changed; run `tiermem docs generate`", rel)
		}
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		entries, err := os.ReadDir(filepath.Join(outputDir, dir))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, e := range entries {
			rel := filepath.ToSlash(filepath.Join(dir, e.Name()))
			if _, ok := pages[rel]; !ok {
				return fmt.Errorf("docs out of date: stale %s", rel)
			}
		}
	}
	return nil
}

// renderReferencePages maps slash-separated paths below the docs root to
// their content.
func renderReferencePages(root *cobra.Command) (map[string][]byte, error) {
	pages := map[string][]byte{}
	header := &cobraDoc.GenManHeader{Title: "TIERMEM", Section: "1", Source: "tiermem"}
	if err := renderCommandPages(root, header, pages); err != nil {
		return nil, err
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	pages["reference/config.md"] = []byte(configRef)

	providerRef, err := buildProvidersReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	pages["reference/providers.md"] = []byte(providerRef)
	return pages, nil
}

func renderCommandPages(cmd *cobra.Command, header *cobraDoc.GenManHeader, pages map[string][]byte) error {
	if !cmd.IsAvailableCommand() && cmd.HasParent() {
		return nil
	}
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if err := renderCommandPages(child, header, pages); err != nil {
			return err
		}
	}

	name := strings.ReplaceAll(cmd.CommandPath(), " ", "_")
	var md bytes.Buffer
	md.WriteString("# " + cmd.CommandPath() + "\n\n")
	if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(link string) string { return link }); err != nil {
		return fmt.Errorf("markdown for %s: %w", cmd.CommandPath(), err)
	}
	pages[cliDocsDir+"/"+name+".md"] = md.Bytes()

	manHeader := *header
	var man bytes.Buffer
	if err := cobraDoc.GenMan(cmd, &manHeader, &man); err != nil {
		return fmt.Errorf("man page for %s: %w", cmd.CommandPath(), err)
	}
	pages[manDocsDir+"/"+strings.ReplaceAll(cmd.CommandPath(), " ", "-")+"."+header.Section] = man.Bytes()
	return nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() (string, error) {
	rows, err := configRows()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeRows(&b, rows)
	return b.String(), nil
}

func buildProvidersReferenceMarkdown() (string, error) {
	rows, err := configRows()
	if err != nil {
		return "", err
	}
	supported := providers.SupportedProviders()
	sort.Strings(supported)

	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("The summarizer talks to the provider named by `summarizer.provider`.\n\n")
	for _, name := range supported {
		key := "providers." + name
		b.WriteString("## `" + name + "`\n\n")
		b.WriteString(valueOr(providerSummaries[name], "Chat completions.") + "\n\n")
		b.WriteString("- Config path: `" + key + "`\n\n")
		var own []configFieldRow
		for _, row := range rows {
			if strings.HasPrefix(row.Path, key+".") {
				own = append(own, row)
			}
		}
		writeRows(&b, own)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// configRows lists every leaf config field sorted by path, with its full
// environment variable and default.
func configRows() ([]configFieldRow, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	defaults := map[string]string{}
	flattenDefaults("", tree, defaults)

	var rows []configFieldRow
	collectConfigRows(reflect.TypeOf(config.Config{}), "", "", defaults, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows, nil
}

// collectConfigRows walks json-tagged fields. envPrefix tags on nested
// structs are carried down so provider fields show their full variable name.
func collectConfigRows(t reflect.Type, prefix, envPrefix string, defaults map[string]string, rows *[]configFieldRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(f.Type, path, envPrefix+f.Tag.Get("envPrefix"), defaults, rows)
			continue
		}
		env := f.Tag.Get("env")
		if env != "" {
			env = envPrefix + env
		}
		*rows = append(*rows, configFieldRow{Path: path, Type: fieldType(f.Type), Env: env, Default: defaults[path]})
	}
}

func flattenDefaults(prefix string, v interface{}, out map[string]string) {
	node, ok := v.(map[string]interface{})
	if !ok {
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
		return
	}
	for k, child := range node {
		if prefix != "" {
			k = prefix + "." + k
		}
		flattenDefaults(k, child, out)
	}
}

func fieldType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	}
	return t.String()
}

func writeRows(b *strings.Builder, rows []configFieldRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		fmt.Fprintf(b, "| `%s` | `%s` | `%s` | `%s` |\n",
			row.Path, row.Type, valueOr(row.Env, "-"), strings.ReplaceAll(valueOr(row.Default, "-"), "|", "\\|"))
	}
}
