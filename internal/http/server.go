// Package http exposes the content server API: the peer surface other nodes
// synchronize from plus the endpoints clients deploy and query through.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	"github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catalyst-network/catalyst/common"
	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/challenge"
	"github.com/catalyst-network/catalyst/internal/cluster"
	"github.com/catalyst-network/catalyst/internal/metrics"
	cnet "github.com/catalyst-network/catalyst/internal/net"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
	"github.com/catalyst-network/catalyst/internal/synchronization"
	"github.com/catalyst-network/catalyst/internal/wearables"
)

const (
	defaultLimit = synchronization.DefaultBatchSize
	maxLimit     = 1000
	// maxUploadMemory is how much of a multipart upload is kept in memory,
	// the rest spills to temporary files.
	maxUploadMemory = 32 << 20
	// statusClientClosed is logged when the caller went away.
	statusClientClosed = 499
)

// SyncState reports the state of the synchronization.
type SyncState interface {
	State() synchronization.State
}

// Deps are what the handlers serve from.
type Deps struct {
	Log           log.Logger
	Name          string
	Clock         clockwork.Clock
	Service       *service.Service
	Challenge     *challenge.Supervisor
	Sync          SyncState
	Authenticator *auth.Authenticator
	// Wearables may be nil, which disables the collections endpoint.
	Wearables *wearables.Manager
	// RequestTTL bounds how far the timestamp of a signed denylist edit may
	// be from now. Zero accepts any timestamp.
	RequestTTL time.Duration
}

// Handler serves the API both at the root and under the content prefix
// peers use.
type Handler struct {
	deps Deps
	log  log.Logger

	mu          sync.RWMutex
	httpHandler http.Handler
}

// New returns the API handler.
func New(_ context.Context, deps Deps) (*Handler, error) {
	if deps.Service == nil || deps.Challenge == nil || deps.Authenticator == nil {
		return nil, errors.New("http: service, challenge and authenticator are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	h := &Handler{deps: deps, log: deps.Log.Named("http")}

	api := chi.NewRouter()
	api.Get(cnet.StatusPath, h.status)
	api.Get(cnet.ChallengePath, h.challenge)
	api.Get(cnet.DeploymentsPath, h.deployments)
	api.Get(cnet.AuditPath+"/{type}/{id}", h.audit)
	api.Get(cnet.ContentsPath+"/{hash}", h.content)
	api.Head(cnet.ContentsPath+"/{hash}", h.content)
	api.Get(cnet.AvailabilityPath, h.availability)
	api.Get(cnet.EntitiesPath+"/{type}", h.entities)
	api.Post(cnet.EntitiesPath, h.deploy(service.Local))
	api.Post(cnet.LegacyPath, h.deploy(service.LocalLegacyEntity))
	api.Get(cnet.PointersPath+"/{type}", h.pointers)
	api.Get(cnet.FailedPath, h.failed)
	api.Get(cnet.DenylistPath, h.denylist)
	api.Put(cnet.DenylistPath+"/{target}/{id}", h.editDenylist(true))
	api.Delete(cnet.DenylistPath+"/{target}/{id}", h.editDenylist(false))
	api.Post(cnet.ValidateSigPath, h.validateSignature)
	if deps.Wearables != nil {
		api.Get(cnet.WearablesPath, h.wearables)
	}

	root := chi.NewRouter()
	root.Mount(cluster.ContentSuffix, api)
	root.Mount("/", api)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	instrumented := promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight,
		promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(metrics.HTTPLatency,
				handlers.CompressHandler(cors(root)))))
	h.httpHandler = instrumented
	return h, nil
}

// GetHTTPHandler returns the handler to serve.
func (h *Handler) GetHTTPHandler() http.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.httpHandler
}

// SetHTTPHandler replaces the served handler, usually with a wrapped version
// of itself.
func (h *Handler) SetHTTPHandler(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.httpHandler = handler
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Service.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	syncState := synchronization.Stopped.String()
	if h.deps.Sync != nil {
		syncState = h.deps.Sync.State().String()
	}
	h.reply(w, r, cnet.ServerStatus{
		Name:                  h.deps.Name,
		Version:               common.GetAppVersion().String(),
		CurrentTime:           h.deps.Clock.Now().UnixMilli(),
		HistorySize:           st.HistorySize,
		SynchronizationStatus: syncState,
		Challenge:             h.deps.Challenge.Challenge(),
	})
}

func (h *Handler) challenge(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, cnet.ChallengeResponse{ChallengeText: h.deps.Challenge.Challenge()})
}

func (h *Handler) deployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := intParam(q.Get(cnet.FromLocalTimestampParam), 0)
	if err != nil {
		h.badRequest(w, r, "invalid %s: %v", cnet.FromLocalTimestampParam, err)
		return
	}
	limit, err := intParam(q.Get(cnet.LimitParam), defaultLimit)
	if err != nil || limit <= 0 {
		h.badRequest(w, r, "invalid %s", cnet.LimitParam)
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	ds, err := h.deps.Service.DeploymentsSince(r.Context(), from, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []*entity.Deployment{}
	}
	h.reply(w, r, cnet.DeploymentsResponse{Deployments: ds})
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	t, err := entity.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		h.badRequest(w, r, "%v", err)
		return
	}
	info, err := h.deps.Service.AuditInfo(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, info)
}

func (h *Handler) content(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := h.deps.Service.Content(r.Context(), hash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", strconv.Quote(hash))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()[cnet.ContentIDParam]
	if len(hashes) == 0 {
		h.badRequest(w, r, "at least one %s is required", cnet.ContentIDParam)
		return
	}
	available, err := h.deps.Service.ContentAvailability(r.Context(), hashes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]cnet.ContentAvailability, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, cnet.ContentAvailability{CID: hash, Available: available[hash]})
	}
	h.reply(w, r, out)
}

func (h *Handler) entities(w http.ResponseWriter, r *http.Request) {
	t, err := entity.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		h.badRequest(w, r, "%v", err)
		return
	}
	q := r.URL.Query()
	ids, pointers := q[cnet.EntityIDParam], q[cnet.PointerParam]
	if (len(ids) == 0) == (len(pointers) == 0) {
		h.badRequest(w, r, "either %s or %s must be given", cnet.EntityIDParam, cnet.PointerParam)
		return
	}

	var ds []*entity.Deployment
	if len(ids) > 0 {
		ds, err = h.deps.Service.EntitiesByID(r.Context(), ids)
	} else {
		ds, err = h.deps.Service.ActiveEntities(r.Context(), t, pointers)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]entity.Entity, 0, len(ds))
	for _, d := range ds {
		if d.Type == t {
			out = append(out, d.Entity)
		}
	}
	h.reply(w, r, out)
}

func (h *Handler) pointers(w http.ResponseWriter, r *http.Request) {
	t, err := entity.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		h.badRequest(w, r, "%v", err)
		return
	}
	ps, err := h.deps.Service.ActivePointers(r.Context(), t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []string{}
	}
	h.reply(w, r, ps)
}

func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	fs, err := h.deps.Service.FailedDeployments(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if fs == nil {
		fs = []*entity.FailedDeployment{}
	}
	h.reply(w, r, fs)
}

func (h *Handler) validateSignature(w http.ResponseWriter, r *http.Request) {
	var req cnet.SignatureValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "invalid request body: %v", err)
		return
	}
	authority := req.SignedMessage
	if authority == "" {
		authority = req.Timestamp
	}
	if authority == "" {
		h.badRequest(w, r, "Expected 'signedMessage' property to be set")
		return
	}
	res := h.deps.Authenticator.ValidateSignature(r.Context(), authority, req.AuthChain, h.deps.Clock.Now())
	out := cnet.SignatureValidationResponse{Valid: res.OK, Error: res.Message}
	if res.OK {
		out.OwnerAddress = auth.OwnerAddress(req.AuthChain)
	}
	h.reply(w, r, out)
}

func (h *Handler) wearables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	found, err := h.deps.Wearables.Find(r.Context(), wearables.Filters{
		CollectionIDs: q["collectionId"],
		WearableIDs:   q["wearableId"],
		TextSearch:    q.Get("textSearch"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if found == nil {
		found = []*wearables.Wearable{}
	}
	h.reply(w, r, map[string]interface{}{"wearables": found})
}

func intParam(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request, v interface{}) {
	h.replyStatus(w, r, http.StatusOK, v)
}

func (h *Handler) replyStatus(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("writing response", "path", r.URL.Path, "err", err)
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	h.replyStatus(w, r, http.StatusBadRequest, cnet.ErrorResponse{Errors: []string{fmt.Sprintf(format, args...)}})
}

// fail maps err to a status code. Validation errors list every violation.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		h.replyStatus(w, r, http.StatusBadRequest, cnet.ErrorResponse{Errors: verr.Errors})
	case errors.Is(err, repository.ErrDeploymentNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, service.ErrDenylisted):
		h.replyStatus(w, r, http.StatusNotFound, cnet.ErrorResponse{Errors: []string{err.Error()}})
	case errors.Is(err, context.Canceled):
		w.WriteHeader(statusClientClosed)
	default:
		h.log.Warnw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		h.replyStatus(w, r, http.StatusInternalServerError, cnet.ErrorResponse{Errors: []string{strings.TrimSpace(err.Error())}})
	}
}
