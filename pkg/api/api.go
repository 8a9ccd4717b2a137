// Package api wraps the service endpoints the client uses. Every response
// that carries a record bundle is handed to the OnRecordMap hook, whatever
// the endpoint, so searches and queries warm the cache as a side effect.
package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/jamalex/notion-py/pkg/connection"
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/models"
)

const (
	EndpointGetRecordValues       = "getRecordValues"
	EndpointLoadPageChunk         = "loadPageChunk"
	EndpointSubmitTransaction     = "submitTransaction"
	EndpointLoadUserContent       = "loadUserContent"
	EndpointGetPublicSpaceData    = "getPublicSpaceData"
	EndpointQueryCollection       = "queryCollection"
	EndpointSearch                = "search"
	EndpointSearchPagesWithParent = "searchPagesWithParent"
)

type API struct {
	conn   connection.Connection
	logger logger.Logger

	mu          sync.RWMutex
	onRecordMap func(models.RecordMap)
}

func New(conn connection.Connection, log logger.Logger) *API {
	if log == nil {
		log = logger.Nop()
	}
	return &API{conn: conn, logger: log}
}

// OnRecordMap installs the hook that receives record bundles.
func (a *API) OnRecordMap(fn func(models.RecordMap)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRecordMap = fn
}

func (a *API) Connection() connection.Connection {
	return a.conn
}

// post sends the request and forwards any record bundle in the response.
func (a *API) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := a.conn.Post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	a.piggyback(endpoint, data)
	return data, nil
}

func (a *API) piggyback(endpoint string, data []byte) {
	a.mu.RLock()
	hook := a.onRecordMap
	a.mu.RUnlock()
	if hook == nil {
		return
	}
	rm, ok, err := a.recordMapOf(data)
	if err != nil {
		a.logger.Warn("ignoring malformed record bundle", "endpoint", endpoint, "error", err)
		return
	}
	if ok && rm.Len() > 0 {
		hook(rm)
	}
}

// recordMapOf extracts the "recordMap" member without decoding the rest
// of the response.
func (a *API) recordMapOf(data []byte) (models.RecordMap, bool, error) {
	raw, dataType, _, err := jsonparser.Get(data, "recordMap")
	if err != nil || dataType != jsonparser.Object {
		return nil, false, nil
	}
	var rm models.RecordMap
	if err := a.conn.GetUnmarshaler().Unmarshal(raw, &rm); err != nil {
		return nil, false, fmt.Errorf("decode recordMap: %w", err)
	}
	return rm, true, nil
}

func (a *API) decode(endpoint string, data []byte, dst any) error {
	if err := a.conn.GetUnmarshaler().Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
