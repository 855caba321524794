package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"plontis/internal/domain"
	"plontis/internal/services/aggregate"
	"plontis/internal/services/ingest"
	"plontis/internal/services/ledger"
)

// decode reads a single JSON object from the request body into dst and runs
// struct validation. Decode and validation failures are reported through invalid.
func (s *Server) decode(r *http.Request, dst any, invalid func(string) error) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return invalid("request body too large")
		case errors.Is(err, io.EOF):
			return invalid("request body is empty")
		default:
			return invalid("malformed JSON body")
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return invalid(err.Error())
	}
	return nil
}

func invalidRegistration(msg string) error { return domain.InvalidRegistration("%s", msg) }

func invalidEvent(msg string) error {
	return domain.InvalidEvent(domain.ReasonInvalidValue, "%s", msg)
}

func (s *Server) postRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req, invalidRegistration); err != nil {
		s.metrics.Registration("invalid")
		s.writeError(w, r, err)
		return
	}
	reg, err := s.ledger.Register(r.Context(), ledger.RegisterRequest{
		APIKey:           req.APIKey,
		SiteHash:         req.SiteHash,
		SiteURL:          req.SiteURL,
		SiteURLHash:      req.SiteURLHash,
		WordPressVersion: req.WordPressVersion,
		PluginVersion:    req.PluginVersion,
	})
	if err != nil {
		s.metrics.Registration(registrationOutcome(err))
		s.writeError(w, r, err)
		return
	}

	status, outcome := http.StatusCreated, "created"
	if !reg.Created {
		status, outcome = http.StatusOK, "replayed"
	}
	s.metrics.Registration(outcome)
	writeJSON(w, status, registerResponse{
		SiteHash:     reg.Identity.SiteHash,
		APIKey:       reg.APIKey,
		Status:       string(reg.Identity.Status),
		RegisteredAt: reg.Identity.RegisteredAt,
		Created:      reg.Created,
	})
}

func registrationOutcome(err error) string {
	switch domain.CodeOf(err) {
	case domain.CodeDuplicateIdentity:
		return "conflict"
	case domain.CodeInvalidRegistration:
		return "invalid"
	default:
		return "error"
	}
}

// postRevoke is an operator action: the caller must hold the site's key.
func (s *Server) postRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := s.decode(r, &req, invalidRegistration); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ledger.Authenticate(r.Context(), apiKey(r), req.SiteHash); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.ledger.Revoke(r.Context(), req.SiteHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{
		SiteHash:  id.SiteHash,
		Status:    string(id.Status),
		RevokedAt: id.RevokedAt,
	})
}

func (s *Server) postDetections(w http.ResponseWriter, r *http.Request) {
	var req detectionRequest
	if err := s.decode(r, &req, invalidEvent); err != nil {
		s.writeError(w, r, err)
		return
	}
	siteHash := req.SiteHash
	if siteHash == "" {
		siteHash = r.Header.Get("X-Site-Hash")
	}
	raw := ingest.RawEvent{
		BotCompany:   firstNonEmpty(req.BotCompany, req.Company),
		BotType:      req.BotType,
		ContentType:  req.ContentType,
		ContentValue: firstNonEmpty(req.ContentValueEstimate.String(), req.EstimatedValue.String()),
		DetectedAt:   req.DetectedAt,
		RawMetadata:  foldPluginFields(req.RawMetadata, req.pluginFields()),
	}
	id, err := s.ingest.Admit(r.Context(), raw, apiKey(r), siteHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, detectionResponse{Success: true, EventID: id})
}

func (s *Server) getMarketIntelligence(w http.ResponseWriter, r *http.Request) {
	window, err := s.window(r, s.opts.MarketWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap := s.query.MarketIntelligence(r.Context(), window)
	writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

func (s *Server) getSiteInsights(w http.ResponseWriter, r *http.Request) {
	var siteHash string
	if err := runtime.BindQueryParameter("form", true, false, "site_hash", r.URL.Query(), &siteHash); err != nil {
		s.writeError(w, r, domain.InvalidRegistration("site_hash: %v", err))
		return
	}
	if siteHash == "" {
		siteHash = r.Header.Get("X-Site-Hash")
	}
	s.siteInsights(w, r, siteHash)
}

func (s *Server) getInsightsBySiteHash(w http.ResponseWriter, r *http.Request) {
	var siteHash string
	err := runtime.BindStyledParameterWithOptions("simple", "site_hash", chi.URLParam(r, "site_hash"), &siteHash,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		s.writeError(w, r, domain.InvalidRegistration("site_hash: %v", err))
		return
	}
	s.siteInsights(w, r, siteHash)
}

func (s *Server) siteInsights(w http.ResponseWriter, r *http.Request, siteHash string) {
	window, err := s.window(r, s.opts.SiteWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.query.SiteInsights(r.Context(), apiKey(r), siteHash, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

func (s *Server) window(r *http.Request, def time.Duration) (time.Duration, error) {
	var v string
	if err := runtime.BindQueryParameter("form", true, false, "window", r.URL.Query(), &v); err != nil {
		return 0, &domain.Error{Code: domain.CodeInvalidEvent, Reason: domain.ReasonInvalidValue, Message: err.Error()}
	}
	d, err := aggregate.ParseWindow(v, def, s.opts.MaxWindow)
	if err != nil {
		return 0, &domain.Error{Code: domain.CodeInvalidEvent, Reason: domain.ReasonInvalidValue, Message: err.Error()}
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type pluginField struct {
	name  string
	value json.RawMessage
}

// foldPluginFields appends top-level plugin attributes to the metadata object
// without rewriting the bytes already there. Keys present in meta win. A
// non-object meta is kept under "raw".
func foldPluginFields(meta json.RawMessage, fields []pluginField) json.RawMessage {
	meta = bytes.TrimSpace(meta)
	isNull := len(meta) == 0 || bytes.Equal(meta, []byte("null"))
	var existing map[string]json.RawMessage
	if !isNull && meta[0] == '{' {
		if err := json.Unmarshal(meta, &existing); err != nil {
			return meta
		}
	}

	var extra bytes.Buffer
	for _, f := range fields {
		v := bytes.TrimSpace(f.value)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			continue
		}
		if _, ok := existing[f.name]; ok {
			continue
		}
		if extra.Len() > 0 {
			extra.WriteByte(',')
		}
		name, _ := json.Marshal(f.name)
		extra.Write(name)
		extra.WriteByte(':')
		extra.Write(v)
	}
	if extra.Len() == 0 {
		return meta
	}

	var out bytes.Buffer
	out.WriteByte('{')
	switch {
	case isNull:
	case existing != nil:
		if body := bytes.TrimSpace(meta[1 : len(meta)-1]); len(body) > 0 {
			out.Write(body)
			out.WriteByte(',')
		}
	default:
		out.WriteString(`"raw":`)
		out.Write(meta)
		out.WriteByte(',')
	}
	out.Write(extra.Bytes())
	out.WriteByte('}')
	return out.Bytes()
}
