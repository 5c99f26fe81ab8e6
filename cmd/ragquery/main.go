package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jake-jlawson/dashtech/internal/config"
	"github.com/jake-jlawson/dashtech/internal/maintenance"
	"github.com/jake-jlawson/dashtech/pkg/embedding"
	"github.com/jake-jlawson/dashtech/pkg/rag/retriever"
	"github.com/jake-jlawson/dashtech/pkg/utils"

	"github.com/fatih/color"
)

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	cfg := config.Load()

	store := flag.String("store", cfg.Rag.StoreDir, "retrieval store directory")
	k := flag.Int("k", cfg.Rag.DefaultK, "number of results")
	namespaces := flag.String("ns", "", "comma separated namespaces (default shared)")
	systems := flag.String("system", "", "comma separated vehicle systems; 'auto' matches from the query")
	types := flag.String("type", "", "comma separated chunk types (default text)")
	timeout := flag.Duration("timeout", 30*time.Second, "embedding timeout")
	flag.Parse()

	query := strings.Join(flag.Args(), " ")
	if query == "" {
		color.Red("usage: ragquery [flags] <query>")
		os.Exit(2)
	}

	filter := retriever.Filter{
		Namespaces: splitList(*namespaces),
		Types:      splitList(*types),
	}
	if *systems == "auto" {
		if sys := maintenance.MatchSystem(query); sys != "" {
			filter.Systems = []string{sys}
			color.Cyan("Matched system: %s", sys)
		}
	} else {
		filter.Systems = splitList(*systems)
	}

	r := retriever.New(*store, embedding.NewOllamaProvider(cfg.Ai.OllamaBaseURL, cfg.Ai.EmbeddingModel))
	if err := r.Load(); err != nil {
		color.Red("Failed to load store %s: %v", *store, err)
		os.Exit(1)
	}
	color.Cyan("🔎 %d chunks in %s", r.Len(), *store)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, err := r.Search(ctx, query, *k, filter)
	if err != nil {
		color.Red("Search failed: %v", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		color.Yellow("No results.")
		return
	}

	for idx, res := range results {
		color.Green("\n[%d] %.4f  %s  (%s)", idx+1, res.Score, res.ID, res.Type)
		if res.Meta.DocTitle != "" {
			fmt.Printf("    doc: %s  section: %s\n", res.Meta.DocTitle, res.Meta.SectionTitle)
		}
		if res.Meta.Page != nil {
			fmt.Printf("    page: %d\n", *res.Meta.Page)
		}
		if res.ImagePath != "" {
			fmt.Printf("    image: %s\n", res.ImagePath)
		}
		if res.Text != "" {
			fmt.Printf("    %s\n", utils.Truncate(utils.CleanText(res.Text), 300))
		}
		for _, img := range res.LinkedImages {
			fmt.Printf("    linked: %s\n", img)
		}
	}
}
