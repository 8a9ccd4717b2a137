package fakenotion

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
	"github.com/jamalex/notion-py/pkg/operation"
)

type entryJSON struct {
	Value models.Value `json:"value,omitempty"`
	Role  string       `json:"role"`
}

type recordMapJSON map[models.Table]map[string]entryJSON

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[endpoint]++

	if f := s.failures[endpoint]; f != nil && f.remaining > 0 {
		f.remaining--
		writeError(w, f.status, "InjectedFailure", fmt.Sprintf("injected %d", f.status))
		return
	}

	var res any
	switch endpoint {
	case "getRecordValues":
		res, err = s.getRecordValues(body)
	case "loadPageChunk":
		res, err = s.loadPageChunk(body)
	case "submitTransaction":
		res, err = s.submitTransaction(body)
	case "loadUserContent":
		res, err = s.loadUserContent()
	case "getPublicSpaceData":
		res, err = s.getPublicSpaceData(body)
	case "queryCollection":
		res, err = s.queryCollection(body)
	case "search":
		res, err = s.search(body)
	case "searchPagesWithParent":
		res, err = s.searchPagesWithParent(body)
	default:
		writeError(w, http.StatusNotFound, "NotFound", "unknown endpoint "+endpoint)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) entryLocked(key models.RecordKey) (entryJSON, bool) {
	r := s.records[key]
	if r == nil || r.role == "none" {
		return entryJSON{Role: "none"}, false
	}
	return entryJSON{Value: models.CloneValue(r.value), Role: r.role}, true
}

func (rm recordMapJSON) add(table models.Table, id string, e entryJSON) {
	if rm[table] == nil {
		rm[table] = make(map[string]entryJSON)
	}
	rm[table][id] = e
}

func (s *Server) getRecordValues(body []byte) (any, error) {
	var req struct {
		Requests []struct {
			Table models.Table `json:"table"`
			ID    string       `json:"id"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	results := make([]entryJSON, len(req.Requests))
	for i, rr := range req.Requests {
		results[i], _ = s.entryLocked(models.RecordKey{Table: rr.Table, ID: rr.ID})
	}
	return map[string]any{"results": results}, nil
}

// loadPageChunk returns the page, its children and its ancestors.
func (s *Server) loadPageChunk(body []byte) (any, error) {
	var req struct {
		PageID string `json:"pageId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	rm := recordMapJSON{}
	page := models.RecordKey{Table: models.TableBlock, ID: req.PageID}
	e, ok := s.entryLocked(page)
	if !ok {
		return map[string]any{"recordMap": rm}, nil
	}
	rm.add(models.TableBlock, req.PageID, e)

	for key, r := range s.records {
		if key.Table == models.TableBlock && r.value["parent_id"] == req.PageID {
			if ce, ok := s.entryLocked(key); ok {
				rm.add(models.TableBlock, key.ID, ce)
			}
		}
	}
	for parent, _ := e.Value["parent_id"].(string); parent != ""; {
		pe, ok := s.entryLocked(models.RecordKey{Table: models.TableBlock, ID: parent})
		if !ok {
			break
		}
		rm.add(models.TableBlock, parent, pe)
		parent, _ = pe.Value["parent_id"].(string)
	}
	return map[string]any{"recordMap": rm, "cursor": map[string]any{"stack": []any{}}}, nil
}

// submitTransaction applies every operation or none, then bumps the
// version of each touched record once.
func (s *Server) submitTransaction(body []byte) (any, error) {
	var req struct {
		Operations []operation.Operation `json:"operations"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	staged := make(map[models.RecordKey]models.Value)
	var order []models.RecordKey
	for i, op := range req.Operations {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		key := op.Key()
		cur, ok := staged[key]
		if !ok {
			if r := s.records[key]; r != nil {
				cur = r.value
			}
			order = append(order, key)
		}
		next, err := operation.Apply(cur, op)
		if err != nil {
			if errors.Is(err, constants.ErrStructuralMismatch) {
				return nil, fmt.Errorf("operation %d: %w", i, err)
			}
			return nil, err
		}
		staged[key] = next
	}

	for _, key := range order {
		r := s.records[key]
		if r == nil {
			r = &stored{role: "editor"}
			s.records[key] = r
		}
		prev, _ := models.Int64(r.value["version"])
		next := staged[key]
		if v, ok := models.Int64(next["version"]); !ok || v < prev {
			next["version"] = prev
		}
		r.value = next
		s.bumpLocked(key)
	}
	return map[string]any{}, nil
}

func (s *Server) loadUserContent() (any, error) {
	rm := recordMapJSON{}
	if s.userID != "" {
		if e, ok := s.entryLocked(models.RecordKey{Table: models.TableUser, ID: s.userID}); ok {
			rm.add(models.TableUser, s.userID, e)
		} else {
			rm.add(models.TableUser, s.userID, entryJSON{Value: models.Value{"id": s.userID, "version": 1}, Role: "editor"})
		}
	}
	if s.spaceID != "" {
		if s.guest {
			viewID := "ffffffff-ffff-ffff-ffff-ffffffffffff"
			rm.add(models.TableSpaceView, viewID, entryJSON{
				Value: models.Value{"id": viewID, "space_id": s.spaceID, "version": 1},
				Role:  "reader",
			})
			rm[models.TableSpace] = map[string]entryJSON{}
		} else if e, ok := s.entryLocked(models.RecordKey{Table: models.TableSpace, ID: s.spaceID}); ok {
			rm.add(models.TableSpace, s.spaceID, e)
		}
	}
	return map[string]any{"recordMap": rm}, nil
}

func (s *Server) getPublicSpaceData(body []byte) (any, error) {
	var req struct {
		SpaceIDs []string `json:"spaceIds"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	results := []models.Value{}
	for _, id := range req.SpaceIDs {
		if r := s.records[models.RecordKey{Table: models.TableSpace, ID: id}]; r != nil {
			results = append(results, models.CloneValue(r.value))
		}
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) queryCollection(body []byte) (any, error) {
	var req struct {
		CollectionID string `json:"collectionId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	rows := s.rows[req.CollectionID]
	rm := recordMapJSON{}
	for _, id := range rows {
		if e, ok := s.entryLocked(models.RecordKey{Table: models.TableBlock, ID: id}); ok {
			rm.add(models.TableBlock, id, e)
		}
	}
	if e, ok := s.entryLocked(models.RecordKey{Table: models.TableCollection, ID: req.CollectionID}); ok {
		rm.add(models.TableCollection, req.CollectionID, e)
	}
	return map[string]any{
		"result": map[string]any{
			"type":     "table",
			"blockIds": append([]string{}, rows...),
			"total":    len(rows),
		},
		"recordMap": rm,
	}, nil
}

// search matches blocks whose plain title contains the query,
// case-insensitively.
func (s *Server) search(body []byte) (any, error) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	q := strings.ToLower(req.Query)
	return s.matchBlocks(func(v models.Value) bool {
		return strings.Contains(strings.ToLower(plainTitle(v)), q)
	}), nil
}

func (s *Server) searchPagesWithParent(body []byte) (any, error) {
	var req struct {
		ParentID string `json:"parentId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return s.matchBlocks(func(v models.Value) bool {
		return v["type"] == "page" && v["parent_id"] == req.ParentID
	}), nil
}

func (s *Server) matchBlocks(match func(models.Value) bool) map[string]any {
	rm := recordMapJSON{}
	var ids []string
	for key, r := range s.records {
		if key.Table != models.TableBlock || r.role == "none" || !match(r.value) {
			continue
		}
		ids = append(ids, key.ID)
		e, _ := s.entryLocked(key)
		rm.add(models.TableBlock, key.ID, e)
	}
	sort.Strings(ids)
	results := make([]map[string]any, len(ids))
	for i, id := range ids {
		results[i] = map[string]any{"id": id}
	}
	return map[string]any{"results": results, "total": len(ids), "recordMap": rm}
}

// plainTitle flattens the rich text title of a block.
func plainTitle(v models.Value) string {
	props, _ := v["properties"].(map[string]any)
	chunks, _ := props["title"].([]any)
	var b strings.Builder
	for _, c := range chunks {
		if seg, ok := c.([]any); ok && len(seg) > 0 {
			if text, ok := seg[0].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"message":"encode failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]any{
		"errorId": "00000000-0000-0000-0000-000000000000",
		"name":    name,
		"message": message,
	})
}
