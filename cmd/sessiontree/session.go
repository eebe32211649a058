package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/stacksampler/internal/calltree"
	"github.com/getsentry/stacksampler/internal/errorutil"
	"github.com/getsentry/stacksampler/internal/httputil"
	"github.com/getsentry/stacksampler/internal/nodetree"
	"github.com/getsentry/stacksampler/internal/session"
	"github.com/getsentry/stacksampler/internal/storageutil"
)

type (
	PostSessionResponse struct {
		SessionID string `json:"session_id"`
	}

	GetSessionFunctionsResponse struct {
		Functions []nodetree.Function `json:"functions"`
	}
)

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func writeJSON(w http.ResponseWriter, hub *sentry.Hub, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// sessionID reads and checks the session_id path parameter. Ids end up in
// object names, so anything but a uuid is rejected.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("session_id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "session_id path parameter is malformed", http.StatusBadRequest)
		return "", false
	}
	hubFromContext(r.Context()).Scope().SetTag("session_id", id)
	return id, true
}

func (e *environment) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := sessionID(w, r)
	if !ok {
		return nil, false
	}
	ctx := r.Context()
	hub := hubFromContext(ctx)

	span := sentry.StartSpan(ctx, "session.load")
	s, err := session.Load(ctx, e.storage, id)
	span.Finish()
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return nil, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusGatewayTimeout)
			return nil, false
		}
		hub.CaptureException(err)
		log.Err(err).Str("session_id", id).Msg("error loading the session")
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return s, true
}

// treeOptions applies the query parameters of a tree request to the
// environment defaults.
func (e *environment) treeOptions(q url.Values) (calltree.Options, bool, error) {
	opts := e.pipeline
	trimStem, err := httputil.QueryBool(q, "trim_stem", e.trimStem)
	if err != nil {
		return opts, false, err
	}
	if opts.FilterThreshold, err = httputil.QueryFloat(q, "filter_threshold", opts.FilterThreshold); err != nil {
		return opts, false, err
	}
	if opts.ShowRegex, err = httputil.QueryRegexp(q, "show_regex", opts.ShowRegex); err != nil {
		return opts, false, err
	}
	if opts.HideRegex, err = httputil.QueryRegexp(q, "hide_regex", opts.HideRegex); err != nil {
		return opts, false, err
	}
	return opts, trimStem, nil
}

func processSession(ctx context.Context, s *session.Session, opts calltree.Options, trimStem bool) *nodetree.Output {
	span := sentry.StartSpan(ctx, "calltree.process")
	defer span.Finish()
	return nodetree.Export(calltree.Apply(s.RootFrame(trimStem), opts))
}

func (e *environment) postSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)

	s := sentry.StartSpan(ctx, "json.unmarshal")
	var sess session.Session
	err := json.NewDecoder(r.Body).Decode(&sess)
	s.Finish()
	if err != nil {
		http.Error(w, "session payload is malformed", http.StatusBadRequest)
		return
	}
	if sess.ID == "" {
		sess.ID = session.NewID()
	} else if _, err := uuid.Parse(sess.ID); err != nil {
		http.Error(w, "session id is malformed", http.StatusBadRequest)
		return
	}
	hub.Scope().SetTag("session_id", sess.ID)

	s = sentry.StartSpan(ctx, "session.save")
	err = sess.Save(ctx, e.storage)
	s.Finish()
	if err != nil {
		if errors.Is(err, errorutil.ErrDataIntegrity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.CaptureException(err)
		log.Err(err).Str("session_id", sess.ID).Msg("error saving the session")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if e.treesWriter != nil {
		e.publishTree(ctx, hub, &sess)
	}

	writeJSON(w, hub, http.StatusCreated, PostSessionResponse{SessionID: sess.ID})
}

// publishTree sends the tree of s to Kafka. The session is already stored,
// so failures are reported and otherwise ignored.
func (e *environment) publishTree(ctx context.Context, hub *sentry.Hub, s *session.Session) {
	tree := processSession(ctx, s, e.pipeline, e.trimStem)
	b, err := json.Marshal(buildSessionTreeKafkaMessage(s, e.config.Environment, tree))
	if err != nil {
		hub.CaptureException(err)
		return
	}
	span := sentry.StartSpan(ctx, "kafka.write")
	err = e.treesWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.ID),
		Value: b,
	})
	span.Finish()
	if err != nil {
		hub.CaptureException(err)
		log.Err(err).Str("session_id", s.ID).Msg("error publishing the session tree")
	}
}

func (e *environment) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := e.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, hubFromContext(r.Context()), http.StatusOK, s)
}

func (e *environment) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	err := session.Delete(ctx, e.storage, id)
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hubFromContext(ctx).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) getSessionTree(w http.ResponseWriter, r *http.Request) {
	opts, trimStem, err := e.treeOptions(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, ok := e.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, hubFromContext(r.Context()), http.StatusOK, processSession(r.Context(), s, opts, trimStem))
}

func (e *environment) getSessionFunctions(w http.ResponseWriter, r *http.Request) {
	opts, trimStem, err := e.treeOptions(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, ok := e.loadSession(w, r)
	if !ok {
		return
	}
	out := processSession(r.Context(), s, opts, trimStem)
	functions := make([]nodetree.Function, 0)
	if out.Root != nil {
		byFingerprint := make(map[uint64]nodetree.Function)
		out.Root.CollectFunctions(byFingerprint)
		for _, f := range byFingerprint {
			functions = append(functions, f)
		}
	}
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].SumSelfTime != functions[j].SumSelfTime {
			return functions[i].SumSelfTime > functions[j].SumSelfTime
		}
		return functions[i].Fingerprint < functions[j].Fingerprint
	})
	writeJSON(w, hubFromContext(r.Context()), http.StatusOK, GetSessionFunctionsResponse{Functions: functions})
}
