package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"mercado/apperr"
	"mercado/models"
	"mercado/utils"
)

const IdempotencyHeader = "Idempotency-Key"

type IdempotencyStore interface {
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	FindIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	SaveIdempotencyResponse(ctx context.Context, key string, status int, body []byte) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
}

func computeRequestHash(r *http.Request, bodyBytes []byte, userID int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d:", r.Method, r.URL.Path, userID)
	h.Write(bodyBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// CaptureResponseWriter wraps http.ResponseWriter to capture status and body.
type CaptureResponseWriter struct {
	w           http.ResponseWriter
	statusCode  int
	buf         bytes.Buffer
	wroteHeader bool
}

func NewCaptureResponseWriter(w http.ResponseWriter) *CaptureResponseWriter {
	return &CaptureResponseWriter{w: w, statusCode: http.StatusOK}
}

func (c *CaptureResponseWriter) Header() http.Header {
	return c.w.Header()
}

func (c *CaptureResponseWriter) WriteHeader(statusCode int) {
	if !c.wroteHeader {
		c.statusCode = statusCode
		c.w.WriteHeader(statusCode)
		c.wroteHeader = true
	}
}

func (c *CaptureResponseWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.buf.Write(b)
	return c.w.Write(b)
}

func (c *CaptureResponseWriter) Status() int {
	return c.statusCode
}

func (c *CaptureResponseWriter) BodyBytes() []byte {
	return c.buf.Bytes()
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped per user, so it must run after Authenticate.
//   - no header: pass-through
//   - first use: the handler runs and its response is stored; 5xx
//     responses free the key again so the client can retry
//   - same key, different request: 409
//   - same key while the first request is still running: 409
//   - same key after completion: the stored response is replayed
func Idempotency(store IdempotencyStore, ttl time.Duration) Middleware {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			clientKey := r.Header.Get(IdempotencyHeader)
			if clientKey == "" {
				next(w, r, ps)
				return
			}
			if len(clientKey) > 255 {
				utils.RespondWithAppError(w, apperr.Validation("Idempotency-Key is too long"))
				return
			}

			userID := utils.GetUserIDFromRequest(r)
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				utils.RespondWithAppError(w, apperr.Validation("Failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			key := fmt.Sprintf("%d:%s", userID, clientKey)
			reqHash := computeRequestHash(r, bodyBytes, userID)
			now := time.Now()
			rec := &models.IdempotencyRecord{
				Key:         key,
				Method:      r.Method,
				Path:        r.URL.Path,
				UserID:      userID,
				RequestHash: reqHash,
				CreatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			}

			ctx := r.Context()
			created, err := store.InsertIdempotencyRecord(ctx, rec)
			if err != nil {
				utils.RespondWithAppError(w, apperr.Internal("idempotency insert", err))
				return
			}
			if created {
				crw := NewCaptureResponseWriter(w)
				next(crw, r, ps)

				saveCtx := context.WithoutCancel(ctx)
				if crw.Status() >= http.StatusInternalServerError {
					if err := store.DeleteIdempotencyRecord(saveCtx, key); err != nil {
						log.Printf("[Idempotency] failed to release key %q: %v", key, err)
					}
					return
				}
				if err := store.SaveIdempotencyResponse(saveCtx, key, crw.Status(), crw.BodyBytes()); err != nil {
					log.Printf("[Idempotency] failed to store response for key %q: %v", key, err)
				}
				return
			}

			existing, err := store.FindIdempotencyRecord(ctx, key)
			if err != nil {
				utils.RespondWithAppError(w, apperr.Internal("idempotency lookup", err))
				return
			}
			if existing == nil {
				utils.RespondWithAppError(w, apperr.Conflict("Request with this Idempotency-Key is being retried, try again"))
				return
			}
			if existing.RequestHash != reqHash {
				utils.RespondWithAppError(w, apperr.Conflict("Idempotency-Key was already used for a different request"))
				return
			}
			if !existing.HasResponse() {
				utils.RespondWithAppError(w, apperr.Conflict("A request with this Idempotency-Key is still being processed"))
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.ResponseStatus)
			w.Write(existing.ResponseBody)
		}
	}
}
