// trctl is the admin CLI: it imports title corpora straight into the
// store and queries the coordinator's read APIs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "import":
		importTitles(os.Args[2:])
	case "stats":
		stats(os.Args[2:])
	case "crashers":
		fetchAndPrint(os.Args[2:], "/crashers")
	case "failedfetches":
		fetchAndPrint(os.Args[2:], "/failedfetches")
	case "commits":
		fetchAndPrint(os.Args[2:], "/commits")
	case "regressions":
		deltas(os.Args[2:], "/regressions/between/")
	case "topfixes":
		deltas(os.Args[2:], "/topfixes/between/")
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`trctl import -db <path> -file <titles.json> -prefix <wiki>
trctl stats [-prefix <wiki>] [-url http://localhost:8001]
trctl crashers|failedfetches|commits [-url ...]
trctl regressions|topfixes -from <hash> -to <hash> [-page N] [-url ...]`)
}

func importTitles(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", getenvCLI("TESTREDUCE_DB_PATH", "testreduce.db"), "sqlite db path")
	file := fs.String("file", "", "json file with titles")
	prefix := fs.String("prefix", "", "wiki prefix for the imported titles")
	fs.Parse(args)

	if strings.TrimSpace(*file) == "" || strings.TrimSpace(*prefix) == "" {
		log.Fatal("-file and -prefix are required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("read titles file: %v", err)
	}
	titles, err := parseTitlesFile(raw)
	if err != nil {
		log.Fatalf("parse titles file: %v", err)
	}

	s, err := store.Open(*dbPath, store.Options{})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	inserted, err := s.InsertPages(context.Background(), *prefix, titles)
	if err != nil {
		log.Fatalf("import: %v", err)
	}
	fmt.Printf("imported=%d skipped=%d prefix=%s\n", inserted, int64(len(titles))-inserted, *prefix)
}

// parseTitlesFile accepts both corpus dump shapes: a plain array of title
// strings, or an array of objects with a title field.
func parseTitlesFile(raw []byte) ([]string, error) {
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var wrapped []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("expected an array of titles: %w", err)
	}
	out := make([]string, 0, len(wrapped))
	for _, w := range wrapped {
		if strings.TrimSpace(w.Title) != "" {
			out = append(out, w.Title)
		}
	}
	return out, nil
}

func stats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	serverURL := serverFlag(fs)
	prefix := fs.String("prefix", "", "restrict to one wiki prefix")
	fs.Parse(args)

	path := "/stats"
	if strings.TrimSpace(*prefix) != "" {
		path += "/" + url.PathEscape(*prefix)
	}
	printJSON(*serverURL, path)
}

func deltas(args []string, base string) {
	fs := flag.NewFlagSet("deltas", flag.ExitOnError)
	serverURL := serverFlag(fs)
	from := fs.String("from", "", "older revision hash")
	to := fs.String("to", "", "newer revision hash")
	page := fs.Int("page", 0, "result page")
	fs.Parse(args)

	if strings.TrimSpace(*from) == "" || strings.TrimSpace(*to) == "" {
		log.Fatal("-from and -to are required")
	}
	path := fmt.Sprintf("%s%s/%s?page=%d",
		base, url.PathEscape(*from), url.PathEscape(*to), *page)
	printJSON(*serverURL, path)
}

func fetchAndPrint(args []string, path string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	serverURL := serverFlag(fs)
	fs.Parse(args)
	printJSON(*serverURL, path)
}

func serverFlag(fs *flag.FlagSet) *string {
	return fs.String("url", getenvCLI("TESTREDUCE_SERVER", "http://localhost:8001"), "coordinator url")
}

func printJSON(serverURL, path string) {
	endpoint := strings.TrimRight(serverURL, "/") + path
	resp, err := http.Get(endpoint)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("status=%s body=%s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func getenvCLI(name, fallback string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return os.Getenv(name)
	}
	return fallback
}
