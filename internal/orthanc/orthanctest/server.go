// Package orthanctest provides an in-memory Orthanc stand-in for tests.
// It implements the subset of the REST API used by orthanc-helper.
package orthanctest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"orthanc-helper/internal/orthanc"
)

// Study is a study held by the fake archive or by a fake modality.
type Study struct {
	ID               string
	PatientName      string
	PatientID        string
	StudyDate        string
	StudyTime        string
	StudyInstanceUID string
	Description      string
}

// Call records one request received by the server.
type Call struct {
	Method string
	Path   string
}

type query struct {
	modality string
	answers  []Study
}

// Server is a fake Orthanc archive.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	username   string
	password   string
	studies    map[string]Study
	order      []string
	modalities map[string][]Study
	queries    map[string]*query
	uploads    map[string]bool
	stored     map[string][]string
	failures   map[string]int
	calls      []Call
	nextID     int
}

// NewServer starts a fake archive that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		studies:    make(map[string]Study),
		modalities: make(map[string][]Study),
		queries:    make(map[string]*query),
		uploads:    make(map[string]bool),
		stored:     make(map[string][]string),
		failures:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /system", s.handleSystem)
	mux.HandleFunc("GET /studies", s.handleListStudies)
	mux.HandleFunc("GET /studies/{id}", s.handleGetStudy)
	mux.HandleFunc("GET /studies/{id}/archive", s.handleArchive)
	mux.HandleFunc("POST /studies/{id}/anonymize", s.handleAnonymize)
	mux.HandleFunc("DELETE /studies/{id}", s.handleDelete)
	mux.HandleFunc("POST /tools/find", s.handleFind)
	mux.HandleFunc("POST /instances", s.handleUpload)
	mux.HandleFunc("POST /modalities/{name}/echo", s.handleEcho)
	mux.HandleFunc("POST /modalities/{name}/query", s.handleQuery)
	mux.HandleFunc("POST /modalities/{name}/store", s.handleStore)
	mux.HandleFunc("GET /queries/{id}/answers", s.handleAnswers)
	mux.HandleFunc("POST /queries/{id}/answers/{index}/retrieve", s.handleRetrieve)

	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(s.Close)
	return s
}

// AddStudy puts a study on the archive.
func (s *Server) AddStudy(st Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(st)
}

// RequireAuth makes the server answer 401 to requests without these basic
// auth credentials.
func (s *Server) RequireAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// AddModality registers an empty modality.
func (s *Server) AddModality(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modalities[name]; !ok {
		s.modalities[name] = nil
	}
}

// AddRemoteStudy registers a modality (if needed) and adds a study to it.
func (s *Server) AddRemoteStudy(modality string, st Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modalities[modality] = append(s.modalities[modality], st)
}

// FailOn makes every request matching method and exact path answer status.
func (s *Server) FailOn(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// HasStudy reports whether a study with the given ID is on the archive.
func (s *Server) HasStudy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.studies[id]
	return ok
}

// Studies returns the archive content in insertion order.
func (s *Server) Studies() []Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Study, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.studies[id])
	}
	return out
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts requests with the given method whose path starts with prefix.
func (s *Server) CallCount(method, prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && strings.HasPrefix(c.Path, prefix) {
			n++
		}
	}
	return n
}

// StoredTo returns the study IDs sent to a modality with C-STORE.
func (s *Server) StoredTo(modality string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stored[modality]...)
}

// ArchiveBytes is the fake zip content served for a study.
func ArchiveBytes(id string) []byte {
	return []byte("PK\x03\x04fake-archive-" + id)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		status, fail := s.failures[r.Method+" "+r.URL.Path]
		username, password := s.username, s.password
		s.mu.Unlock()

		if username != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != username || pass != password {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if fail {
			http.Error(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) putLocked(st Study) {
	if _, ok := s.studies[st.ID]; !ok {
		s.order = append(s.order, st.ID)
	}
	s.studies[st.ID] = st
}

func (s *Server) removeLocked(id string) {
	delete(s.studies, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Server) newIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%04d", prefix, s.nextID)
}

func details(st Study) orthanc.StudyDetails {
	var d orthanc.StudyDetails
	d.ID = st.ID
	d.PatientMainTags.PatientName = st.PatientName
	d.PatientMainTags.PatientID = st.PatientID
	d.MainTags.StudyDate = st.StudyDate
	d.MainTags.StudyTime = st.StudyTime
	d.MainTags.StudyInstanceUID = st.StudyInstanceUID
	d.MainTags.StudyDescription = st.Description
	return d
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, orthanc.SystemInfo{Name: "FAKE", Version: "1.12.0", DicomAet: "ORTHANC", APIVersion: 22})
}

func (s *Server) handleListStudies(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := append([]string{}, s.order...)
	s.mu.Unlock()
	writeJSON(w, ids)
}

func (s *Server) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, ok := s.studies[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, details(st))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.studies[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(ArchiveBytes(r.PathValue("id")))
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req orthanc.AnonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.studies[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	anon := Study{
		ID:               s.newIDLocked("anon"),
		PatientName:      "Anonymized",
		PatientID:        "ANON",
		StudyDate:        orig.StudyDate,
		StudyTime:        orig.StudyTime,
		StudyInstanceUID: orig.StudyInstanceUID + ".9",
	}
	if v, ok := req.Replace["PatientName"]; ok {
		anon.PatientName = v
	}
	if v, ok := req.Replace["PatientID"]; ok {
		anon.PatientID = v
	}
	s.putLocked(anon)
	writeJSON(w, orthanc.AnonymizeResponse{ID: anon.ID, Path: "/studies/" + anon.ID, PatientID: anon.PatientID, Type: "Study"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.studies[id]; !ok {
		http.NotFound(w, r)
		return
	}
	s.removeLocked(id)
	writeJSON(w, map[string]any{"RemainingAncestor": nil})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req orthanc.FindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var found []orthanc.StudyDetails
	for _, id := range s.order {
		st := s.studies[id]
		if matches(st, req.Query) {
			found = append(found, details(st))
		}
	}
	s.mu.Unlock()

	if found == nil {
		found = []orthanc.StudyDetails{}
	}
	writeJSON(w, found)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	sum := sha256.Sum256(body)
	id := hex.EncodeToString(sum[:])[:16]

	s.mu.Lock()
	status := orthanc.UploadSuccess
	if s.uploads[id] {
		status = orthanc.UploadAlreadyStored
	}
	s.uploads[id] = true
	s.mu.Unlock()

	result := orthanc.UploadResult{ID: id, Path: "/instances/" + id, Status: status}
	if r.Header.Get("Content-Type") == "application/zip" {
		writeJSON(w, []orthanc.UploadResult{result})
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.modalities[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req orthanc.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remote, ok := s.modalities[r.PathValue("name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := &query{modality: r.PathValue("name")}
	for _, st := range remote {
		if matches(st, req.Query) {
			q.answers = append(q.answers, st)
		}
	}
	id := s.newIDLocked("query")
	s.queries[id] = q
	writeJSON(w, map[string]string{"ID": id, "Path": "/queries/" + id})
}

func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	q, ok := s.queries[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	answers := make([]map[string]any, 0, len(q.answers))
	for _, st := range q.answers {
		answers = append(answers, map[string]any{
			"PatientName":             st.PatientName,
			"PatientID":               st.PatientID,
			"StudyDate":               st.StudyDate,
			"StudyTime":               st.StudyTime,
			"StudyInstanceUID":        st.StudyInstanceUID,
			"QueryRetrieveLevel":      "STUDY",
			"ReferencedStudySequence": []any{},
		})
	}
	writeJSON(w, answers)
}

// handleRetrieve copies a remote study onto the archive. Retrieving the same
// study twice leaves a single copy, like a real C-MOVE of stored instances.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= len(q.answers) {
		http.NotFound(w, r)
		return
	}
	st := q.answers[index]
	st.ID = "ret-" + st.StudyInstanceUID
	s.putLocked(st)
	writeJSON(w, map[string]any{"Description": "REST API", "LocalAet": "ORTHANC"})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resources []string `json:"Resources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("name")
	if _, ok := s.modalities[name]; !ok {
		http.NotFound(w, r)
		return
	}
	for _, id := range req.Resources {
		if _, ok := s.studies[id]; !ok {
			http.NotFound(w, r)
			return
		}
	}
	s.stored[name] = append(s.stored[name], req.Resources...)
	writeJSON(w, map[string]any{"FailedInstancesCount": 0})
}

// matches applies a C-FIND style match: empty values and "*" match anything,
// values with wildcards are glob-matched case-insensitively, anything else
// must be equal.
func matches(st Study, q map[string]string) bool {
	fields := map[string]string{
		"PatientName":      st.PatientName,
		"PatientID":        st.PatientID,
		"StudyDate":        st.StudyDate,
		"StudyTime":        st.StudyTime,
		"StudyInstanceUID": st.StudyInstanceUID,
	}
	for key, want := range q {
		if want == "" || want == "*" {
			continue
		}
		got, known := fields[key]
		if !known {
			continue
		}
		if strings.ContainsAny(want, "*?") {
			ok, _ := filepath.Match(strings.ToUpper(want), strings.ToUpper(got))
			if !ok {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}
