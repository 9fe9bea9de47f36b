// Package generate turns natural-language prompts into transformation
// scripts via an OpenAI-compatible chat completions endpoint.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbarasa/hesabu/internal/domain"
)

// Request carries everything the generator needs for one script.
type Request struct {
	// Prompt is the user's natural-language transformation request.
	Prompt string
	// Schema describes the table the script will run against.
	Schema *domain.SchemaSummary
}

// Generator produces a transformation script for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*domain.Generation, error)
}

// systemPrompt pins the model to the closed scripting surface the executor
// exposes. Anything outside it fails validation or execution anyway; stating
// it up front keeps generations usable.
const systemPrompt = `You write short JavaScript transformation scripts for spreadsheet data.

The working table is bound to the variable df. Reassign df to change the result.
Available operations (each returns a new table):
  tbl.select(df, name...)            keep only the named columns
  tbl.drop(df, name...)              remove columns
  tbl.where(df, function(row){...})  keep rows where the callback returns true
  tbl.derive(df, name, function(row){...})  add or replace a column
  tbl.rename(df, from, to)           rename a column
  tbl.sort(df, name, descending)     sort rows by a column
  tbl.distinct(df, name...)          drop duplicate rows
  tbl.head(df, n)                    keep the first n rows
  tbl.sum/avg/min/max(df, name)      column aggregates (return a number)
  tbl.count(df, name)                non-empty cells in a column
Helpers: len, num, str, round, abs, min, max, contains.

Rules:
- No require, import, eval, filesystem, network, or process access.
- Use only columns that exist in the schema below.
- Reply with a brief explanation, then exactly one fenced code block with the script.
- If the request is risky or ambiguous, say so in the explanation.`

// BuildUserPrompt renders the schema context plus the user's request.
func BuildUserPrompt(req Request) string {
	var b strings.Builder
	if req.Schema != nil {
		fmt.Fprintf(&b, "Sheet %q: %d rows, %d columns.\n", req.Schema.SheetName, req.Schema.Rows, req.Schema.Columns)
		b.WriteString("Columns:\n")
		for _, f := range req.Schema.Fields {
			fmt.Fprintf(&b, "  - %s (%s, %d non-empty, %d unique)", f.Name, f.Kind, f.NonNull, f.Unique)
			if len(f.Samples) > 0 {
				fmt.Fprintf(&b, " e.g. %v", f.Samples)
			}
			b.WriteString("\n")
		}
		if len(req.Schema.Sample) > 0 {
			fmt.Fprintf(&b, "First rows: %v\n", req.Schema.Sample)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Request: %s", req.Prompt)
	return b.String()
}
