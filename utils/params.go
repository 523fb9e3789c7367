package utils

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/models"
)

// ParseID reads a positive integer route parameter.
func ParseID(ps httprouter.Params, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(ps.ByName(name)), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("Invalid %s", name)
	}
	return id, nil
}

// ParseMoneyQuery reads an optional decimal amount such as "12.50".
func ParseMoneyQuery(r *http.Request, name string) (*models.Money, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return nil, apperr.Validation("Invalid %s", name)
	}
	m := models.FromFloat(v)
	return &m, nil
}

// ParseIntQuery reads an optional positive integer query parameter.
func ParseIntQuery(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, apperr.Validation("Invalid %s", name)
	}
	return &v, nil
}

// DecodeJSON decodes a request body of at most 1 MB into dst.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}
