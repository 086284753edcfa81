package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/convograph/convograph-go/graph"
	"github.com/convograph/convograph-go/graph/model"
	"github.com/convograph/convograph-go/graph/tool"
)

// sourceSelection is the structured output of the select node.
type sourceSelection struct {
	Tasks     []RetrievalTask `json:"tasks"`
	Rationale string          `json:"rationale"`
}

// selectNode asks the model which retrieval sources to query for the latest
// user turn. Tasks naming categories absent from the catalog are dropped.
func (p *Pipeline) selectNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	query := state.LastUserMessage()
	if query == "" {
		return RunState{}, fmt.Errorf("no user message to retrieve for")
	}

	prompt := p.buildSelectPrompt(query, state)
	selection, err := model.InvokeStructured[sourceSelection](ctx, p.services.Model, prompt, model.StructuredOptions{
		Validate: func(v interface{}) error {
			sel := v.(*sourceSelection)
			if len(sel.Tasks) == 0 {
				return fmt.Errorf("selection contains no tasks")
			}
			return nil
		},
	})
	if err != nil {
		return RunState{}, err
	}

	var tasks []RetrievalTask
	for _, task := range selection.Tasks {
		if _, ok := p.catalog[task.Category]; !ok {
			continue
		}
		if task.Query == "" {
			task.Query = query
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		// The model picked only unregistered categories. Fall back to
		// querying every catalog source with the raw user message.
		for category := range p.catalog {
			tasks = append(tasks, RetrievalTask{Category: category, Query: query})
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].Category < tasks[j].Category })
	}

	delta := RunState{RetrievalTasks: tasks}
	if state.Retrieval == (RetrievalParams{}) {
		delta.Retrieval = p.defaultParams
	}
	return delta, nil
}

func (p *Pipeline) buildSelectPrompt(query string, state RunState) []model.Message {
	var sb strings.Builder
	sb.WriteString("Choose retrieval sources for the user's question. Available categories:\n")
	for _, entry := range p.opts.Catalog {
		fmt.Fprintf(&sb, "- %s: %s\n", entry.Category, entry.Description)
	}
	sb.WriteString("\nRespond with JSON only: ")
	sb.WriteString(`{"tasks": [{"category": "...", "query": "..."}], "rationale": "..."}`)

	return []model.Message{
		{Role: model.RoleSystem, Content: sb.String()},
		{Role: model.RoleUser, Content: query},
	}
}

// retrieveNode runs each selected task's retrieval tool through the sandbox
// and folds the normalized documents into the state. Tool failures degrade
// to fallback output; they never abort the run.
func (p *Pipeline) retrieveNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	query := state.LastUserMessage()

	docs := append([]Document(nil), state.Documents...)
	entities := make(map[string]TaskEntity, len(state.RetrievalTasks))

	for _, task := range state.RetrievalTasks {
		entry, ok := p.catalog[task.Category]
		if !ok {
			continue
		}

		input := map[string]interface{}{
			"query":        task.Query,
			"minRelevance": state.Retrieval.MinRelevance,
		}
		if state.Retrieval.SynonymExpansion {
			input["expandSynonyms"] = true
		}

		result := p.services.Sandbox.Execute(ctx, tool.Selection{
			ToolName:    entry.ToolName,
			Input:       input,
			UserMessage: query,
			Confirmed:   true,
		}, cfg.Principal)
		p.countToolRun(result)

		taskID := task.Category + ":" + task.Query
		entity := state.TaskEntities[taskID]
		entity.ToolName = entry.ToolName
		entity.ToolParams = input
		entity.ToolResults = append(entity.ToolResults, result)
		entities[taskID] = entity

		retrieved := tool.NormalizeOutput(entry.ToolName, result.Output)
		retrieved = filterByRelevance(retrieved, state.Retrieval.MinRelevance)
		if limit := state.Retrieval.MaxPerTask; limit > 0 && len(retrieved) > limit {
			retrieved = retrieved[:limit]
		}
		docs = append(docs, retrieved...)
	}

	return RunState{Documents: dedupeDocuments(docs), TaskEntities: entities}, nil
}

// rerankNode rescores and reorders documents with category-aware signals:
// term overlap with the query plus a source weight from the catalog.
func (p *Pipeline) rerankNode(ctx context.Context, state RunState, cfg graph.RunConfig) (RunState, error) {
	if len(state.Documents) == 0 {
		return RunState{}, nil
	}

	queryTerms := termSet(state.LastUserMessage())

	docs := append([]Document(nil), state.Documents...)
	for i := range docs {
		docs[i].RelevanceScore = rescore(docs[i], queryTerms, p.sourceWeight(docs[i].Source))
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].RelevanceScore > docs[j].RelevanceScore
	})

	return RunState{Documents: docs}, nil
}

// rescore blends the document's prior score with query term overlap and the
// source weight. Weights sum to 1 so scores stay within [0, 1].
func rescore(doc Document, queryTerms map[string]struct{}, sourceWeight float64) float64 {
	overlap := 0.0
	if len(queryTerms) > 0 {
		text := strings.ToLower(doc.Title + " " + doc.Body)
		matched := 0
		for term := range queryTerms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		overlap = float64(matched) / float64(len(queryTerms))
	}
	return 0.5*doc.RelevanceScore + 0.3*overlap + 0.2*sourceWeight
}

func (p *Pipeline) sourceWeight(source string) float64 {
	for _, entry := range p.opts.Catalog {
		if source == "tool:"+entry.ToolName {
			return entry.Weight
		}
	}
	return 0.5
}

func filterByRelevance(docs []Document, min float64) []Document {
	if min <= 0 {
		return docs
	}
	kept := docs[:0]
	for _, d := range docs {
		if d.RelevanceScore >= min {
			kept = append(kept, d)
		}
	}
	return kept
}

func dedupeDocuments(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0]
	for _, d := range docs {
		if _, dup := seen[d.ID]; dup && d.ID != "" {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

func termSet(s string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, term := range strings.Fields(strings.ToLower(s)) {
		term = strings.Trim(term, ".,!?\"'")
		if len(term) > 2 {
			terms[term] = struct{}{}
		}
	}
	return terms
}
