package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"DataReader/pkg/hashring"
	"DataReader/pkg/meta"
	"DataReader/pkg/wire"
)

// ObjectReader is the part of Retriever the HTTP handlers use.
type ObjectReader interface {
	Resolve(ctx context.Context, tenant int64, key string, version *int64) (meta.ReadPlan, error)
	Retrieve(ctx context.Context, readerHeader string, req RetrieveRequest,
		emit func(rec meta.ContentRecord, chunk []byte) error) (meta.ContentRecord, error)
}

type Handler struct {
	R       *chi.Mux
	Objects ObjectReader
	Ring    *hashring.Ring
	metrics *Metrics
	log     zerolog.Logger
}

func NewHandler(objects ObjectReader, ring *hashring.Ring, m *Metrics, log zerolog.Logger) *Handler {
	h := &Handler{
		R:       chi.NewRouter(),
		Objects: objects,
		Ring:    ring,
		metrics: m,
		log:     log.With().Str("component", "gateway").Logger(),
	}
	h.R.Get("/v1/objects/{tenant}/*", h.getObject)
	return h
}

// getObject streams the object at key. Without a segment index entry the
// current record of the key is read as a single file.
func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, err := strconv.ParseInt(chi.URLParam(r, "tenant"), 10, 64)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "invalid tenant")
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" {
		h.fail(w, http.StatusBadRequest, "missing key")
		return
	}
	var version *int64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.fail(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = &n
	}

	node, ok := h.Ring.Locate(tenant, key)
	if !ok {
		h.fail(w, http.StatusServiceUnavailable, "no data reader available")
		return
	}

	var reqs []RetrieveRequest
	plan, err := h.Objects.Resolve(ctx, tenant, key, version)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		reqs = []RetrieveRequest{{TenantID: tenant, Key: key, VersionNumber: version}}
	case err != nil:
		h.log.Error().Err(err).Int64("tenant_id", tenant).Str("key", key).Msg("resolve")
		h.fail(w, statusFor(err), err.Error())
		return
	default:
		for _, seg := range plan.Segments() {
			v, s := seg.UnifiedID, seg.SegmentNumber
			reqs = append(reqs, RetrieveRequest{TenantID: tenant, Key: key, VersionNumber: &v, SegmentNumber: &s})
		}
	}

	wrote := false
	emit := func(rec meta.ContentRecord, chunk []byte) error {
		if !wrote {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Version", strconv.FormatInt(rec.VersionNumber, 10))
			w.Header().Set("X-Reader", node.ID)
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		n, err := w.Write(chunk)
		h.metrics.served(n)
		return err
	}

	for _, req := range reqs {
		if _, err := h.Objects.Retrieve(ctx, node.RoutingHeader, req, emit); err != nil {
			h.log.Error().Err(err).Int64("tenant_id", tenant).Str("key", key).Str("reader", node.ID).Msg("retrieve")
			if !wrote {
				h.fail(w, statusFor(err), err.Error())
				return
			}
			// headers are gone; abort so the chunked body never terminates
			panic(http.ErrAbortHandler)
		}
	}
	if !wrote {
		w.WriteHeader(http.StatusOK)
	}
	h.metrics.response(http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, code int, msg string) {
	h.metrics.response(code)
	http.Error(w, msg, code)
}

func statusFor(err error) int {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		switch se.Status {
		case wire.KeyNotFound:
			return http.StatusNotFound
		case wire.TimeoutWaitingKeyLookup:
			return http.StatusGatewayTimeout
		case wire.DatabaseError:
			return http.StatusBadGateway
		case wire.InvalidDuplicate:
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrChecksumMismatch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
