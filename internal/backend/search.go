package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/webchat/internal/domain"
)

// searchLimit is how many results are put in front of a prompt.
const searchLimit = 3

const searchInstructions = "Instructions: Using the provided web search results, write a comprehensive reply " +
	"to the next user query. Make sure to cite results using [[number](URL)] notation after the reference. " +
	"If the provided search results refer to multiple subjects with the same name, write separate answers " +
	"for each subject. Ignore your previous response if any."

// SearchResult is one web search hit.
type SearchResult struct {
	Snippet string
	Link    string
}

// Searcher looks up web results for requests with internet access enabled.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// NopSearcher finds nothing.
type NopSearcher struct{}

func (NopSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, nil
}

// searchContext returns the user message carrying web results for req, or
// nil when internet access is off, nothing was found or the search failed.
func (s *Service) searchContext(ctx context.Context, req *domain.StreamRequest) []llm.ChatMessage {
	if !req.Meta.Content.InternetAccess {
		return nil
	}
	prompt, ok := req.Prompt()
	if !ok {
		return nil
	}

	results, err := s.searcher.Search(ctx, prompt.Content, searchLimit)
	if err != nil {
		s.logger.Warn("web search failed, answering without results", zap.Error(err))
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	return []llm.ChatMessage{{Role: string(domain.RoleUser), Content: searchBlock(results, s.now())}}
}

func searchBlock(results []SearchResult, now time.Time) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] \"%s\"\nURL:%s\n\n", i, r.Snippet, r.Link)
	}
	fmt.Fprintf(&b, "current date: %s\n\n%s", now.Format("02/01/06"), searchInstructions)
	return b.String()
}
