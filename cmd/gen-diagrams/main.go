// gen-diagrams renders the example workflow documents into diagram assets
// for README documentation. Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowstate/flowstate/internal/diagram"
	"github.com/flowstate/flowstate/internal/validation"
	"github.com/flowstate/flowstate/pkg/schema"
)

func main() {
	docs, err := filepath.Glob(filepath.Join("examples", "*.json"))
	if err != nil || len(docs) == 0 {
		fmt.Fprintln(os.Stderr, "no example documents found under examples/")
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	for _, path := range docs {
		if err := render(path, outDir); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}
	}
}

func render(path, outDir string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validation.ValidateDocument(raw); err != nil {
		return err
	}

	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return err
	}

	model := diagram.Build(&wf)
	base := strings.TrimSuffix(filepath.Base(path), ".json")

	mermaid := diagram.RenderMermaid(model)
	mdPath := filepath.Join(outDir, base+".md")
	if err := os.WriteFile(mdPath, []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("=== %s ===\n%s\n", wf.Slug, mermaid)

	png, err := diagram.RenderImage(context.Background(), model)
	if err != nil {
		return fmt.Errorf("render image: %w", err)
	}
	pngPath := filepath.Join(outDir, base+".png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return err
	}
	fmt.Printf("written: %s, %s (%d bytes)\n", mdPath, pngPath, len(png))

	return nil
}
