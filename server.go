package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/exerosis/KepaxosGo/arc"
	"github.com/exerosis/KepaxosGo/kepaxos"
)

type server struct {
	name    string
	replica *kepaxos.Replica
	cache   *arc.Cache
}

func (s *server) router() http.Handler {
	var r = chi.NewRouter()
	r.Use(cors.AllowAll().Handler)
	r.Use(requestID)
	r.Put("/keys/{key}", s.handleSet)
	r.Delete("/keys/{key}", s.handleDel)
	r.Post("/keys/{key}/evict", s.handleEvict)
	r.Get("/keys/{key}", s.handleGet)
	r.Get("/log/{key}", s.handleLog)
	r.Get("/diff", s.handleDiff)
	r.Get("/status", s.handleStatus)
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id = uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		log.Printf("[%s] %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *server) submit(w http.ResponseWriter, ctype uint8, key, data []byte) {
	switch reason := s.replica.Submit(ctype, key, data); {
	case reason == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(reason, kepaxos.ErrNotCommitted):
		http.Error(w, "no quorum", http.StatusServiceUnavailable)
	default:
		http.Error(w, reason.Error(), http.StatusInternalServerError)
	}
}

func (s *server) handleSet(w http.ResponseWriter, r *http.Request) {
	body, reason := io.ReadAll(r.Body)
	if reason != nil {
		http.Error(w, reason.Error(), http.StatusBadRequest)
		return
	}
	s.submit(w, cmdSet, []byte(chi.URLParam(r, "key")), body)
}

func (s *server) handleDel(w http.ResponseWriter, r *http.Request) {
	s.submit(w, cmdDel, []byte(chi.URLParam(r, "key")), nil)
}

func (s *server) handleEvict(w http.ResponseWriter, r *http.Request) {
	s.submit(w, cmdEvict, []byte(chi.URLParam(r, "key")), nil)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	value, reason := s.cache.Lookup(chi.URLParam(r, "key"))
	if reason != nil {
		http.NotFound(w, r)
		return
	}
	w.Write(value)
}

func (s *server) handleLog(w http.ResponseWriter, r *http.Request) {
	ballot, seq := s.replica.Last([]byte(chi.URLParam(r, "key")))
	json.NewEncoder(w).Encode(map[string]uint64{"ballot": ballot, "seq": seq})
}

func (s *server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, reason := strconv.ParseUint(raw, 10, 64)
		if reason != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	type item struct {
		Key    string `json:"key"`
		Ballot uint64 `json:"ballot"`
		Seq    uint64 `json:"seq"`
	}
	var items []item
	for _, entry := range s.replica.Diff(since) {
		items = append(items, item{Key: string(entry.Key), Ballot: entry.Ballot, Seq: entry.Seq})
	}
	json.NewEncoder(w).Encode(items)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":   s.name,
		"ballot": s.replica.Ballot(),
		"cached": s.cache.Len(),
	})
}
