package api

import (
	"context"
	"fmt"

	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
)

type recordRequest struct {
	Table models.Table `json:"table"`
	ID    string       `json:"id"`
}

type getRecordValuesResponse struct {
	Results []models.RecordEntry `json:"results"`
}

// GetRecordValues returns one entry per key, in order.
func (a *API) GetRecordValues(ctx context.Context, keys []models.RecordKey) ([]models.RecordEntry, error) {
	reqs := make([]recordRequest, len(keys))
	for i, k := range keys {
		reqs[i] = recordRequest{Table: k.Table, ID: k.ID}
	}

	res, err := connection.Send[getRecordValuesResponse](ctx, a.conn, EndpointGetRecordValues,
		map[string]any{"requests": reqs})
	if err != nil {
		return nil, err
	}
	if len(res.Results) != len(keys) {
		return nil, fmt.Errorf("%s: asked for %d records, got %d", EndpointGetRecordValues, len(keys), len(res.Results))
	}
	return res.Results, nil
}

type pageChunkCursor struct {
	Stack []any `json:"stack"`
}

type loadPageChunkRequest struct {
	PageID          string          `json:"pageId"`
	Limit           int             `json:"limit"`
	Cursor          pageChunkCursor `json:"cursor"`
	ChunkNumber     int             `json:"chunkNumber"`
	VerticalColumns bool            `json:"verticalColumns"`
}

type recordMapResponse struct {
	RecordMap models.RecordMap `json:"recordMap"`
}

// LoadPageChunk returns the bundle for a page. The caller owns ingesting
// it, so it does not go through the record bundle hook.
func (a *API) LoadPageChunk(ctx context.Context, pageID string, limit int) (models.RecordMap, error) {
	res, err := connection.Send[recordMapResponse](ctx, a.conn, EndpointLoadPageChunk, loadPageChunkRequest{
		PageID: pageID,
		Limit:  limit,
		Cursor: pageChunkCursor{Stack: []any{}},
	})
	if err != nil {
		return nil, err
	}
	return res.RecordMap, nil
}

// SubmitTransaction sends ops as one batch.
func (a *API) SubmitTransaction(ctx context.Context, ops []operation.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := a.post(ctx, EndpointSubmitTransaction, map[string]any{"operations": ops})
	return err
}

// LoadUserContent returns the bundle describing the current user, their
// spaces and top-level pages.
func (a *API) LoadUserContent(ctx context.Context) (models.RecordMap, error) {
	data, err := a.post(ctx, EndpointLoadUserContent, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res recordMapResponse
	if err := a.decode(EndpointLoadUserContent, data, &res); err != nil {
		return nil, err
	}
	return res.RecordMap, nil
}

type publicSpaceDataResponse struct {
	Results []models.Value `json:"results"`
}

// GetPublicSpaceData returns space values visible to guests.
func (a *API) GetPublicSpaceData(ctx context.Context, spaceIDs []string) ([]models.Value, error) {
	res, err := connection.Send[publicSpaceDataResponse](ctx, a.conn, EndpointGetPublicSpaceData, map[string]any{
		"type":     "space-ids",
		"spaceIds": spaceIDs,
	})
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}
