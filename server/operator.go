package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/tapestore/stored"
)

type jobInfo struct {
	ID        uint32
	Name      string
	Client    string
	Pool      string
	MediaType string
	JobFiles  uint32
	JobBytes  uint64
	Messages  []stored.Message
}

// ListJobsHandler handles GET /jobs
func (s *AdminServer) ListJobsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result := []jobInfo{}
	for _, job := range s.Registry.Jobs() {
		result = append(result, jobInfo{
			ID:        job.ID,
			Name:      job.JobName,
			Client:    job.Client,
			Pool:      job.Pool,
			MediaType: job.MediaType,
			JobFiles:  job.JobFiles,
			JobBytes:  job.JobBytes,
			Messages:  job.Messages.List(),
		})
	}
	writeJSON(w, 200, result)
}

// JobMessagesHandler handles GET /jobs/:id/messages
func (s *AdminServer) JobMessagesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad job id"})
		return
	}
	job := s.Registry.Job(uint32(id))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no job %d", id)})
		return
	}
	msgs := job.Messages.List()
	if msgs == nil {
		msgs = []stored.Message{}
	}
	writeJSON(w, 200, msgs)
}

// ListRequestsHandler handles GET /operator
func (s *AdminServer) ListRequestsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result := []stored.OperatorRequest{}
	if op := s.Registry.Operator; op != nil {
		result = append(result, op.Pending()...)
	}
	writeJSON(w, 200, result)
}

// AnswerHandler handles POST /operator/:id. The job waiting on the request
// tries again.
func (s *AdminServer) AnswerHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	op := s.Registry.Operator
	if op == nil {
		writeError(w, stored.ErrNoRequest)
		return
	}
	if err := op.Answer(ps.ByName("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotImplementedHandler will return a 501 not implemented error.
func NotImplementedHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusNotImplemented)
	fmt.Fprintf(w, "Not Implemented\n")
}
