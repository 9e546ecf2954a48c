package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/midi"
	"github.com/roach88/octavio/internal/registry"
	"github.com/roach88/octavio/internal/session"
)

func (s *Server) handlePiano(w http.ResponseWriter, r *http.Request) {
	var frag ingest.Fragment
	if err := decodeBody(w, r, &frag); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.svc.IngestFragment(r.Context(), frag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb ingest.Heartbeat
	if err := decodeBody(w, r, &hb); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Heartbeat(r.Context(), hb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type canonicalResponse struct {
	InstrumentID       string        `json:"instrument_id"`
	SessionID          string        `json:"session_id"`
	MaxFragmentApplied int           `json:"max_fragment_applied"`
	LastUpdated        time.Time     `json:"last_updated"`
	Sequence           midi.Sequence `json:"sequence"`
}

func (s *Server) handleMIDI(w http.ResponseWriter, r *http.Request) {
	id, err := sessionFromQuery(r).Normalize()
	if err != nil {
		writeError(w, err)
		return
	}
	seq, rec, err := s.svc.Canonical(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, canonicalResponse{
			InstrumentID:       id.InstrumentID,
			SessionID:          id.SessionID,
			MaxFragmentApplied: rec.MaxFragmentApplied,
			LastUpdated:        rec.LastUpdated,
			Sequence:           seq,
		})
		return
	}

	var buf bytes.Buffer
	if err := seq.WriteSMF(&buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/midi")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", id.SessionID+"_"+id.InstrumentID+".mid"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "registry not configured"})
		return
	}
	instruments, err := s.index.Instruments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(instruments))
	for _, in := range instruments {
		ids = append(ids, in.InstrumentID)
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleInstrument(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "registry not configured"})
		return
	}
	iid, err := session.NormalizeInstrument(r.URL.Query().Get("instrument_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.index.Sessions(r.Context(), iid)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []registry.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleWhatsUp(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "registry not configured"})
		return
	}
	instruments, err := s.index.Instruments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]time.Time, len(instruments))
	for _, in := range instruments {
		out[in.InstrumentID] = in.LastSeen
	}
	writeJSON(w, http.StatusOK, out)
}

type mergeResponse struct {
	Outcome      string `json:"outcome"`
	From         int    `json:"from,omitempty"`
	To           int    `json:"to"`
	Applied      int    `json:"applied"`
	CanonicalKey string `json:"canonical_key,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id, err := sessionFromQuery(r).Normalize()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Merge(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergeResponse{
		Outcome:      res.Outcome.String(),
		From:         res.From,
		To:           res.To,
		Applied:      res.Applied,
		CanonicalKey: res.CanonicalKey,
	})
}
