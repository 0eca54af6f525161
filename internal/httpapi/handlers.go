package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/present"
)

func kindOf(w http.ResponseWriter, r *http.Request) (twinstore.Kind, bool) {
	kind, err := twinstore.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		respondStoreError(w, err)
		return "", false
	}
	return kind, true
}

// writeStatus is 200 when both backends took the write, 207 when only one
// did and 502 when neither did.
func writeStatus(o twinstore.WriteOutcome) int {
	switch {
	case o.OK():
		return http.StatusOK
	case o.Diverged():
		return http.StatusMultiStatus
	}
	return http.StatusBadGateway
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	res, err := s.store.Resolve(r.Context(), kind, mux.Vars(r)["key"])
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, present.NewEntity(res.Entity, res.Source))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	var fields twinstore.M
	if !decodeBody(w, r, &fields) {
		return
	}

	out, err := s.store.Save(r.Context(), twinstore.NewEntity(kind, mux.Vars(r)["key"], fields))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, writeStatus(out), present.NewWrite(out))
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	var fields twinstore.M
	if !decodeBody(w, r, &fields) {
		return
	}

	out, err := s.store.Patch(r.Context(), kind, mux.Vars(r)["key"], fields)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, writeStatus(out), present.NewWrite(out))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	out, err := s.store.Remove(r.Context(), kind, mux.Vars(r)["key"])
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, writeStatus(out), present.NewWrite(out))
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	var updates map[string]twinstore.M
	if !decodeBody(w, r, &updates) {
		return
	}

	if len(updates) == 0 {
		respondError(w, http.StatusBadRequest, "bulk body must map at least one key to its fields")
		return
	}

	out, err := s.store.SaveBulk(r.Context(), kind, updates)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	status := http.StatusOK
	if !out.OK() {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, present.NewBulk(out))
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	field := q.Get("field")
	if field == "" || !q.Has("value") {
		respondError(w, http.StatusBadRequest, "field and value query parameters are required")
		return
	}

	e, err := s.store.FindBy(r.Context(), kind, field, present.ParseValue(q.Get("value")))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, present.NewEntity(e, twinstore.SourceDurable))
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.TouchStatus(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, writeStatus(out), present.NewWrite(out))
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	var attempt twinstore.M
	if !decodeBody(w, r, &attempt) {
		return
	}

	testID := attempt.String("testId")
	key, out, err := s.store.SaveTestResult(r.Context(), mux.Vars(r)["uid"], testID, attempt)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	view := present.NewWrite(out)
	view.Key = key

	status := writeStatus(out)
	if status == http.StatusOK {
		status = http.StatusCreated
	}

	respondJSON(w, status, view)
}
