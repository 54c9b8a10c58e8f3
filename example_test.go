package lexgo_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/casedata-io/lexgo"
	"github.com/casedata-io/lexgo/query"
)

func Example() {
	dir, err := os.MkdirTemp("", "lexgo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	idx, err := lexgo.CreateFromJSON(dir, []byte(`{
		"fields": [
			{"name": "title", "type": "text"},
			{"name": "year", "type": "i64", "fast": true}
		]
	}`))
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	docs := []map[string]any{
		{"title": "The Dark Knight", "year": 2008},
		{"title": "Dark City", "year": 1998},
		{"title": "Heat", "year": 1995},
	}
	for _, doc := range docs {
		if err := idx.AddDocument(doc); err != nil {
			log.Fatal(err)
		}
	}
	if _, err := idx.Commit(); err != nil {
		log.Fatal(err)
	}

	res, err := idx.SearchJSON(context.Background(), []byte(`{
		"type": "bool",
		"must": [{"type": "text", "query": "dark"}],
		"must_not": [{"type": "range_i64", "field": "year", "max": 2000}]
	}`))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(res))
}

func ExampleIndex_Search() {
	dir, err := os.MkdirTemp("", "lexgo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	idx, err := lexgo.CreateFromJSON(dir, []byte(`{
		"fields": [{"name": "title", "type": "text"}]
	}`))
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	if err := idx.AddDocument(map[string]any{"title": "the dark knight"}); err != nil {
		log.Fatal(err)
	}
	if _, err := idx.Commit(); err != nil {
		log.Fatal(err)
	}

	q, err := query.Parse([]byte(`{"type": "text", "query": "knight", "limit": 10}`))
	if err != nil {
		log.Fatal(err)
	}
	res, err := idx.Search(context.Background(), q)
	if err != nil {
		log.Fatal(err)
	}
	for _, hit := range res.Hits {
		fmt.Println(hit.Fields["title"])
	}
	// Output:
	// the dark knight
}
