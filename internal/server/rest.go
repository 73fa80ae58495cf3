package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gin-gonic/gin"
)

const (
	// ObjectMediaType requests a single JSON object instead of an array.
	ObjectMediaType = "application/vnd.pgrst.object+json"
	// MergeDuplicates is the Prefer directive that turns an insert into an upsert.
	MergeDuplicates = "resolution=merge-duplicates"

	maxBodyBytes = 8 << 20
)

func wantsObject(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), ObjectMediaType)
}

func queryValues(c *gin.Context) url.Values {
	values := c.Request.URL.Query()
	values.Del(apiKeyQueryParam)
	return values
}

func (h *httpHandler) respondRows(c *gin.Context, status int, found []json.RawMessage) {
	if wantsObject(c) {
		if len(found) != 1 {
			c.AbortWithStatusJSON(http.StatusNotAcceptable, &rows.Error{
				Code:    rows.CodeNoRows,
				Message: "JSON object requested, multiple (or no) rows returned",
			})
			return
		}
		c.Data(status, ObjectMediaType+"; charset=utf-8", found[0])
		return
	}
	if found == nil {
		found = []json.RawMessage{}
	}
	c.JSON(status, found)
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	query, err := rows.ParseQuery(queryValues(c))
	if err != nil {
		h.writeError(c, "rest.select", err)
		return
	}
	query.Single = wantsObject(c)

	found, err := h.rows.Select(c.Request.Context(), c.Param("table"), query)
	if err != nil {
		h.writeError(c, "rest.select", err)
		return
	}
	h.respondRows(c, http.StatusOK, found)
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.writeError(c, "rest.insert", err)
		return
	}
	records, err := splitRecords(body)
	if err != nil {
		h.writeError(c, "rest.insert", err)
		return
	}
	options := rows.InsertOptions{Upsert: strings.Contains(c.GetHeader("Prefer"), MergeDuplicates)}

	inserted, err := h.rows.Insert(c.Request.Context(), c.Param("table"), records, options)
	if err != nil {
		h.writeError(c, "rest.insert", err)
		return
	}
	h.respondRows(c, http.StatusCreated, inserted)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	filters, err := rows.ParseFilters(queryValues(c))
	if err != nil {
		h.writeError(c, "rest.update", err)
		return
	}
	body, err := readBody(c)
	if err != nil {
		h.writeError(c, "rest.update", err)
		return
	}

	updated, err := h.rows.Update(c.Request.Context(), c.Param("table"), filters, body)
	if err != nil {
		h.writeError(c, "rest.update", err)
		return
	}
	h.respondRows(c, http.StatusOK, updated)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	filters, err := rows.ParseFilters(queryValues(c))
	if err != nil {
		h.writeError(c, "rest.delete", err)
		return
	}

	removed, err := h.rows.Delete(c.Request.Context(), c.Param("table"), filters)
	if err != nil {
		h.writeError(c, "rest.delete", err)
		return
	}
	h.respondRows(c, http.StatusOK, removed)
}

func readBody(c *gin.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return nil, rows.NewError(rows.CodeInvalidBody, "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, rows.NewError(rows.CodeInvalidBody, "request body exceeds %d bytes", maxBodyBytes)
	}
	if !json.Valid(body) {
		return nil, rows.NewError(rows.CodeInvalidBody, "request body must be valid JSON")
	}
	return json.RawMessage(body), nil
}

// splitRecords accepts a single object or an array of objects.
func splitRecords(body json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, rows.NewError(rows.CodeInvalidBody, "request body must be an object or an array of objects")
		}
		return records, nil
	}
	return []json.RawMessage{body}, nil
}
