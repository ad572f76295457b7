package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/repository/keys"
	"e2e_ratchet/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// PublishKeys accepts a signed bundle. The signature must verify under
// the bundle's own fingerprint key, and the directory pins that key on
// first publish.
func (s *HttpServer) PublishKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var bundle model.KeyBundle
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&bundle); err != nil {
			http.Error(w, "malformed bundle", http.StatusBadRequest)
			return
		}
		if bundle.User != name {
			http.Error(w, "user does not match path", http.StatusBadRequest)
			return
		}
		if err := bundle.Validate(s.enc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.verifier.VerifyEd25519(bundle.Signature, bundle.Identity.Ed25519, bundle.SigningPayload()); err != nil {
			log.Info("rejected key bundle", zap.String("name", name), zap.Error(err))
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		err := s.keys.Publish(r.Context(), &bundle)
		if errors.Is(err, keys.ErrIdentityMismatch) {
			http.Error(w, "identity already registered", http.StatusConflict)
			return
		}
		if err != nil {
			log.Error("publish keys failed", zap.Error(err))
			http.Error(w, "publish keys failed", http.StatusInternalServerError)
			return
		}

		log.Info("published keys", zap.String("name", name), zap.Int("one_time_keys", len(bundle.OneTimeKeys)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) ClaimKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		log.Info("ClaimKeys", zap.String("name", name))

		claimed, err := s.keys.Claim(r.Context(), name)
		switch {
		case errors.Is(err, keys.ErrUnknownUser):
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		case errors.Is(err, keys.ErrNoOneTimeKeys):
			http.Error(w, "no one-time keys left", http.StatusConflict)
			return
		case err != nil:
			log.Error("claim keys failed", zap.Error(err))
			http.Error(w, "claim keys failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, claimed)
	}
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *HttpServer) CountKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		n, err := s.keys.Count(r.Context(), name)
		if errors.Is(err, keys.ErrUnknownUser) {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("count keys failed", zap.Error(err))
			http.Error(w, "count keys failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, &countResponse{Count: n})
	}
}
