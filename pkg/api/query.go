package api

import (
	"context"
	"time"

	"github.com/buger/jsonparser"
)

// QueryCollectionRequest mirrors the queryCollection loader and query.
type QueryCollectionRequest struct {
	CollectionID     string
	CollectionViewID string
	Search           string
	// Type is the view type; "table" when empty.
	Type         string
	Aggregations []any
	Filter       map[string]any
	Sort         []any
	Limit        int
}

type QueryResult struct {
	Type     string   `json:"type"`
	BlockIDs []string `json:"blockIds"`
	Total    int      `json:"total"`
	// AggregationResults are passed through undecoded.
	AggregationResults []any `json:"aggregationResults,omitempty"`
}

type queryCollectionResponse struct {
	Result QueryResult `json:"result"`
}

// QueryCollection lists the rows of a collection through one of its views.
func (a *API) QueryCollection(ctx context.Context, req QueryCollectionRequest) (*QueryResult, error) {
	if req.Type == "" {
		req.Type = "table"
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Filter == nil {
		req.Filter = map[string]any{}
	}
	payload := map[string]any{
		"collectionId":     req.CollectionID,
		"collectionViewId": req.CollectionViewID,
		"loader": map[string]any{
			"limit":            req.Limit,
			"loadContentCover": true,
			"searchQuery":      req.Search,
			"userLocale":       "en",
			"userTimeZone":     time.Local.String(),
			"type":             req.Type,
		},
		"query": map[string]any{
			"aggregations": nonNil(req.Aggregations),
			"filter":       req.Filter,
			"sort":         nonNil(req.Sort),
		},
	}

	data, err := a.post(ctx, EndpointQueryCollection, payload)
	if err != nil {
		return nil, err
	}
	var res queryCollectionResponse
	if err := a.decode(EndpointQueryCollection, data, &res); err != nil {
		return nil, err
	}
	return &res.Result, nil
}

// SearchRequest holds the search endpoint's parameters. Zero values get
// the web client's defaults.
type SearchRequest struct {
	Query   string
	SpaceID string
	// Type defaults to "BlocksInSpace".
	Type                   string
	Limit                  int
	Sort                   string
	Source                 string
	IsDeletedOnly          bool
	ExcludeTemplates       bool
	IsNavigableOnly        bool
	RequireEditPermissions bool
	Ancestors              []string
}

// Search returns the ids of matching blocks.
func (a *API) Search(ctx context.Context, req SearchRequest) ([]string, error) {
	if req.Type == "" {
		req.Type = "BlocksInSpace"
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.Sort == "" {
		req.Sort = "Relevance"
	}
	if req.Source == "" {
		req.Source = "quick_find"
	}
	payload := map[string]any{
		"type":    req.Type,
		"query":   req.Query,
		"spaceId": req.SpaceID,
		"limit":   req.Limit,
		"filters": map[string]any{
			"isDeletedOnly":          req.IsDeletedOnly,
			"excludeTemplates":       req.ExcludeTemplates,
			"isNavigableOnly":        req.IsNavigableOnly,
			"requireEditPermissions": req.RequireEditPermissions,
			"ancestors":              nonNilStrings(req.Ancestors),
			"createdBy":              []string{},
			"editedBy":               []string{},
			"lastEditedTime":         map[string]any{},
			"createdTime":            map[string]any{},
		},
		"sort":   req.Sort,
		"source": req.Source,
	}

	data, err := a.post(ctx, EndpointSearch, payload)
	if err != nil {
		return nil, err
	}
	return resultIDs(data), nil
}

// SearchPagesWithParent returns the ids of pages under parentID.
func (a *API) SearchPagesWithParent(ctx context.Context, parentID, spaceID, query string) ([]string, error) {
	data, err := a.post(ctx, EndpointSearchPagesWithParent, map[string]any{
		"query":    query,
		"parentId": parentID,
		"limit":    100,
		"spaceId":  spaceID,
	})
	if err != nil {
		return nil, err
	}
	return resultIDs(data), nil
}

// resultIDs reads "results", which holds either ids or objects with an id.
func resultIDs(data []byte) []string {
	var ids []string
	_, _ = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		switch dataType {
		case jsonparser.String:
			ids = append(ids, string(value))
		case jsonparser.Object:
			if id, err := jsonparser.GetString(value, "id"); err == nil {
				ids = append(ids, id)
			}
		}
	}, "results")
	return ids
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
