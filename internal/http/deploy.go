package http

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	json "github.com/nikkolasg/hexjson"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/denylist"
	cnet "github.com/catalyst-network/catalyst/internal/net"
	"github.com/catalyst-network/catalyst/internal/service"
)

// Form fields of a deployment upload. Every file part is named after the
// file it carries, the manifest being entity.ManifestFileName.
const (
	entityIDField      = "entityId"
	authChainField     = "authChain"
	fixField           = "fix"
	versionField       = "version"
	migrationDataField = "migration_data"
)

// deploy handles an upload as a deployment of dctx. A local upload flagged
// as fix retries a deployment that failed to sync.
func (h *Handler) deploy(dctx service.DeploymentContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			h.badRequest(w, r, "invalid upload: %v", err)
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		entityID := r.FormValue(entityIDField)
		if entityID == "" {
			h.badRequest(w, r, "%s is required", entityIDField)
			return
		}
		var chain entity.AuthChain
		if err := json.Unmarshal([]byte(r.FormValue(authChainField)), &chain); err != nil {
			h.badRequest(w, r, "invalid %s: %v", authChainField, err)
			return
		}
		if fix, _ := strconv.ParseBool(r.FormValue(fixField)); fix && dctx == service.Local {
			dctx = service.FixAttempt
		}
		files, err := readFiles(r.MultipartForm)
		if err != nil {
			h.badRequest(w, r, "%v", err)
			return
		}

		audit := entity.AuditInfo{Version: entity.CurrentVersion, AuthChain: chain}
		if dctx == service.LocalLegacyEntity {
			if audit.Version, audit.MigrationData, err = legacyAudit(r); err != nil {
				h.badRequest(w, r, "%v", err)
				return
			}
		}
		ts, err := h.deps.Service.DeployEntity(r.Context(), files, entityID, audit, dctx)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.reply(w, r, cnet.DeployResponse{CreationTimestamp: ts})
	}
}

// legacyAudit reads the schema version a migrated entity was written with,
// v2 when absent, and the opaque data the migration kept about it.
func legacyAudit(r *http.Request) (entity.Version, []byte, error) {
	version := entity.V2
	if v := r.FormValue(versionField); v != "" {
		version = entity.Version(v)
		if version.Number() == 0 {
			return "", nil, fmt.Errorf("invalid %s %q", versionField, v)
		}
	}
	var data []byte
	if raw := r.FormValue(migrationDataField); raw != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return "", nil, fmt.Errorf("invalid %s: %v", migrationDataField, err)
		}
		data = []byte(raw)
	}
	return version, data, nil
}

func readFiles(form *multipart.Form) ([]entity.ContentFile, error) {
	var files []entity.ContentFile
	for name, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			content, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			files = append(files, entity.ContentFile{Name: name, Content: content})
		}
	}
	return files, nil
}

func (h *Handler) denylist(w http.ResponseWriter, r *http.Request) {
	entries := h.deps.Service.Denylist().Entries()
	if entries == nil {
		entries = []denylist.Entry{}
	}
	h.reply(w, r, entries)
}

// editDenylist adds or removes a denylist entry. Only the operator may.
func (h *Handler) editDenylist(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := denylist.Target(chi.URLParam(r, "target"))
		if target != denylist.EntityTarget && target != denylist.ContentTarget {
			h.badRequest(w, r, "unknown denylist target %q", target)
			return
		}
		id := chi.URLParam(r, "id")
		var req cnet.DenylistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, r, "invalid request body: %v", err)
			return
		}

		if ttl := h.deps.RequestTTL; ttl > 0 {
			if age := h.deps.Clock.Since(time.UnixMilli(req.Timestamp)); age > ttl || age < -ttl {
				h.badRequest(w, r, "timestamp %d is more than %s away from now", req.Timestamp, ttl)
				return
			}
		}
		msg := cnet.DenylistMessage(string(target), id, req.Timestamp)
		res := h.deps.Authenticator.ValidateSignature(r.Context(), msg, req.AuthChain, h.deps.Clock.Now())
		if !res.OK {
			h.replyStatus(w, r, http.StatusUnauthorized, cnet.ErrorResponse{Errors: []string{res.Message}})
			return
		}
		if !h.deps.Authenticator.IsOperator(auth.OwnerAddress(req.AuthChain)) {
			h.replyStatus(w, r, http.StatusForbidden, cnet.ErrorResponse{Errors: []string{"only the operator can edit the denylist"}})
			return
		}

		dl := h.deps.Service.Denylist()
		var err error
		if add {
			err = dl.Add(r.Context(), denylist.Entry{Target: target, ID: id, Reason: req.Reason, Timestamp: req.Timestamp})
		} else {
			err = dl.Remove(r.Context(), target, id)
		}
		if errors.Is(err, denylist.ErrDisabled) {
			h.replyStatus(w, r, http.StatusNotImplemented, cnet.ErrorResponse{Errors: []string{err.Error()}})
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.log.Infow("denylist edited", "target", target, "id", id, "added", add)
		w.WriteHeader(http.StatusNoContent)
	}
}
