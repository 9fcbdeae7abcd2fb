package agents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/agoranet/marketplace/internal/core"
)

const (
	cardPath     = "/.well-known/agent.json"
	cardTimeout  = 30 * time.Second
	cardMaxBytes = 256 << 10
)

// CardFetcher retrieves and validates an agent card from the agent's
// endpoint. The raw card is cached verbatim; capabilities are derived
// from its skill tags.
type CardFetcher struct {
	httpClient *http.Client
}

// NewCardFetcher builds a fetcher with the card timeout.
func NewCardFetcher() *CardFetcher {
	return &CardFetcher{httpClient: &http.Client{Timeout: cardTimeout}}
}

// Fetch downloads {endpoint}/.well-known/agent.json, validates its
// structure, and returns the verbatim bytes plus the capability tags.
func (f *CardFetcher) Fetch(ctx context.Context, endpointURL string) ([]byte, []string, error) {
	url := strings.TrimRight(endpointURL, "/") + cardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, nil, core.Wrap(core.KindSchema, err, "agent card fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, core.E(core.KindSchema, "agent card fetch failed: HTTP %d from %s", resp.StatusCode, url)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cardMaxBytes))
	if err != nil {
		return nil, nil, core.Wrap(core.KindSchema, err, "agent card read failed")
	}
	capabilities, err := parseCard(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, capabilities, nil
}

// parseCard validates the card structure and extracts capability tags
// from its skills.
func parseCard(raw []byte) ([]string, error) {
	var card struct {
		Name    *string         `json:"name"`
		URL     json.RawMessage `json:"url"`
		Version *string         `json:"version"`
		Skills  json.RawMessage `json:"skills"`
	}
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, core.Wrap(core.KindSchema, err, "agent card is not valid JSON")
	}

	var missing []string
	for field, present := range map[string]bool{
		"name":    card.Name != nil,
		"url":     card.URL != nil,
		"version": card.Version != nil,
		"skills":  card.Skills != nil,
	} {
		if !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, core.E(core.KindSchema, "agent card missing required fields: %s", strings.Join(missing, ", "))
	}
	if card.URL != nil {
		var url string
		if err := json.Unmarshal(card.URL, &url); err != nil {
			return nil, core.E(core.KindSchema, "agent card 'url' must be a string")
		}
	}

	var skills []struct {
		ID   *string  `json:"id"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(card.Skills, &skills); err != nil {
		return nil, core.E(core.KindSchema, "agent card 'skills' must be an array of objects")
	}
	tags := map[string]bool{}
	for i, skill := range skills {
		if skill.ID == nil {
			return nil, core.E(core.KindSchema, "agent card skills[%d] missing required 'id' field", i)
		}
		for _, tag := range skill.Tags {
			tags[tag] = true
		}
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}
